package transformer

import "github.com/llamast/llamast/internal/numa"

// Weights is the Go analogue of transformer_weights_t: every tensor a
// checkpoint populates, row-sharded across NUMA nodes via
// internal/numa.WDat. Optional tensors (Bq/Bk/Bv, RopeIf, MoE fields)
// are left nil when the checkpoint doesn't carry them.
type Weights struct {
	TokenEmb *numa.WDat // (vocab_size, dim)

	RMSAtt *numa.WDat // (n_layers, dim)
	RopeIf *numa.WDat // (n_layers, head_size/2), optional

	Wq *numa.WDat // (n_layers, dim, n_heads*head_size)
	Wk *numa.WDat // (n_layers, dim, n_kv_heads*head_size)
	Wv *numa.WDat // (n_layers, dim, n_kv_heads*head_size)
	Wo *numa.WDat // (n_layers, n_heads*head_size, dim)

	Bq *numa.WDat // (n_layers, n_heads*head_size), optional
	Bk *numa.WDat // (n_layers, n_kv_heads*head_size), optional
	Bv *numa.WDat // (n_layers, n_kv_heads*head_size), optional

	RMSFfn *numa.WDat // (n_layers, dim)
	W1     *numa.WDat // (n_layers[*n_experts], hidden_dim, dim)
	W2     *numa.WDat // (n_layers[*n_experts], dim, hidden_dim)
	W3     *numa.WDat // (n_layers[*n_experts], hidden_dim, dim)

	RMSFinal *numa.WDat // (dim,)
	WCls     *numa.WDat // (vocab_size, dim); aliases TokenEmb when the checkpoint has no lm_head

	MoEGate *numa.WDat // (n_layers, dim, num_experts), MoE only
}

// HasBias reports whether the qkv bias triple is loaded (spec §6
// "…self_attn.{q,k,v}_proj.bias (optional triple)").
func (w *Weights) HasBias() bool { return w.Bq != nil }

// HasRopeIf reports whether per-layer rotary frequencies were loaded
// from the checkpoint, as opposed to being derived from rope_theta.
func (w *Weights) HasRopeIf() bool { return w.RopeIf != nil }
