package config

// ReconcileConfig controls the amount-matching fallback of the
// reconciliation engine.
//
//   RECONCILE_EXACT_AMOUNT        – reject any overshoot (default false)
//   RECONCILE_MAX_OVERSHOOT_CENTS – cap on overshoot; 0 leaves only the
//                                   one-square bound of the greedy walk
type ReconcileConfig struct {
    ExactAmount       bool
    MaxOvershootCents int64
}

func LoadReconcileConfig() ReconcileConfig {
    c := ReconcileConfig{
        ExactAmount:       envBool("RECONCILE_EXACT_AMOUNT", false),
        MaxOvershootCents: int64(envInt("RECONCILE_MAX_OVERSHOOT_CENTS", 0)),
    }
    if c.MaxOvershootCents < 0 { c.MaxOvershootCents = 0 }
    return c
}
