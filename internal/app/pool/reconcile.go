package pool

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/infra/backend"
)

// ReconcileResult lists the node names touched by Reconcile.
type ReconcileResult struct {
	Added    []string
	Removed  []string
	Replaced []string
}

// Reconcile brings the pool in line with desired. Nodes missing from desired are
// removed, new ones are added and nodes whose address, credentials or region changed
// are replaced. beforeRemove, if set, runs before a node leaves the pool so its
// players can be moved elsewhere.
func (p *Pool) Reconcile(ctx context.Context, desired []backend.Options, beforeRemove func(ctx context.Context, name string)) (ReconcileResult, error) {
	var (
		res  ReconcileResult
		errs error
	)

	want := make(map[string]backend.Options, len(desired))
	for _, opts := range desired {
		want[opts.Name] = opts
	}

	for _, n := range p.Nodes() {
		opts, keep := want[n.Name()]
		if keep && sameEndpoint(n.Options(), opts) {
			delete(want, n.Name())
			continue
		}
		if beforeRemove != nil {
			beforeRemove(ctx, n.Name())
		}
		if err := p.Remove(n.Name()); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if keep {
			res.Replaced = append(res.Replaced, n.Name())
		} else {
			res.Removed = append(res.Removed, n.Name())
		}
	}

	// Preserve configuration order for additions.
	for _, opts := range desired {
		if _, pending := want[opts.Name]; !pending {
			continue
		}
		if _, err := p.Add(ctx, opts); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if !contains(res.Replaced, opts.Name) {
			res.Added = append(res.Added, opts.Name)
		}
	}

	zlog.Info().Msgf("pool: reconciled: added=%v removed=%v replaced=%v", res.Added, res.Removed, res.Replaced)
	return res, errs
}

func sameEndpoint(a, b backend.Options) bool {
	return a.Host == b.Host && a.Port == b.Port && a.Password == b.Password &&
		a.Secure == b.Secure && a.Region == b.Region
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
