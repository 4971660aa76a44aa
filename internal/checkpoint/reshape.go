package checkpoint

// InvReshapeTranspose reverses safetensors' Q/K weight permutation.
// HuggingFace checkpoints store Q/K projections after Python applies:
//
//	w.view(dim1, dim2).reshape(n_heads, dim1//n_heads//2, 2, dim2).transpose(1, 2).reshape(dim1, dim2)
//
// This walks the same (n_heads, dim1/n_heads/2, 2) index space and
// copies each chunk back to its pre-permutation position. chunkSize is
// the byte width of one indivisible unit being permuted (one full
// row's bytes for a weight matrix, one element's bytes for a bias
// vector); n is how many such units make up the permuted dimension
// (the matrix's row count, or the bias vector's length). Grounded
// verbatim on inv_reshape_4_transpose_12.
func InvReshapeTranspose(dst, src []byte, chunkSize, n, nHeads int) {
	nb := (n / nHeads) / 2
	const nc = 2
	o := 0
	for a := 0; a < nHeads; a++ {
		for b := 0; b < nb; b++ {
			for c := 0; c < nc; c++ {
				id := (a*nc+c)*nb + b
				copy(dst[o:o+chunkSize], src[id*chunkSize:id*chunkSize+chunkSize])
				o += chunkSize
			}
		}
	}
}
