package checkpoint

import "github.com/llamast/llamast/internal/numeric"

// CvtOptions mirrors model.config's cvt_sf16/cvt_f12/cvt_f8 load-time
// conversion flags (model.h, arg_conf_t).
type CvtOptions struct {
	CvtSF16 bool
	CvtF12  bool
	CvtF8   bool

	// HasF16C reports whether the running CPU converts F16<->F32 in
	// hardware; when false on an F16 torch checkpoint, sf16
	// conversion is forced on regardless of CvtSF16.
	HasF16C bool
}

// ResolveWeightDTypes derives the embedding and layer-weight storage
// dtypes from the checkpoint's raw torch dtype plus the requested
// conversion options, grounded line-for-line on
// transformer.c's init_wd_types_procs.
func ResolveWeightDTypes(torchType numeric.DType, opts CvtOptions) (emType, lwType numeric.DType, err error) {
	if torchType != numeric.F16 && torchType != numeric.BF16 && torchType != numeric.F32 {
		return 0, 0, errCk("unsupported torch weight type %s", torchType)
	}

	emType, lwType = torchType, torchType

	cvtSF16 := opts.CvtSF16
	if !opts.HasF16C && torchType == numeric.F16 {
		// model is float16 but CPU has no F16C support: sf16
		// conversion is used.
		cvtSF16 = true
	}

	if cvtSF16 {
		if torchType != numeric.F16 {
			return 0, 0, errCk("model conversion to sf16 requires an f16 model")
		}
		emType, lwType = numeric.SF16, numeric.SF16
	}

	// can combine with cvt_sf16: embeddings stay sf16, layer weights
	// become f8/f12. f8 takes priority when both are requested.
	switch {
	case opts.CvtF8:
		lwType = numeric.F8
	case opts.CvtF12:
		lwType = numeric.F12
	}

	return emType, lwType, nil
}
