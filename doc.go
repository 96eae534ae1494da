// Package conflux provides a continuous data-source integration pipeline:
// heterogeneous external sources are polled on independent schedules,
// normalized into a canonical record envelope, buffered with bounded
// backpressure, processed by a single worker, cached per (domain, source)
// and persisted as date-partitioned JSON-lines files.
//
// # Architecture
//
// The pipeline is a strict multi-producer/single-consumer topology:
//
//  1. Sources (pkg/source): API-backed, delimited-file-backed and
//     relational-query-backed implementations of one capability set
//     (connect, fetch, transform, status).
//
//  2. Collection tasks (internal/pipeline): one independent scheduled
//     loop per started source. No failure terminates a loop; a stalled
//     source never delays another.
//
//  3. Shared buffer (internal/pipeline): one bounded queue with a
//     configurable overflow policy. Producers are never blocked by a
//     slow consumer.
//
//  4. Processing worker (internal/pipeline): the single consumer. It
//     stamps provenance, computes derived fields and forwards each
//     record to the cache (pkg/cache) and the sink (pkg/sink).
//
//  5. Integrator (internal/pipeline): the facade owning all of the
//     above. External consumers read exclusively through Latest and
//     Status.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "time"
//
//	    "github.com/confluxdata/conflux/internal/pipeline"
//	    "github.com/confluxdata/conflux/pkg/config"
//	    "github.com/confluxdata/conflux/pkg/logger"
//	    "github.com/confluxdata/conflux/pkg/source"
//	)
//
//	cfg := config.New()
//	cfg.Persistence.Dir = "data"
//
//	integrator, _ := pipeline.NewIntegrator(cfg, logger.Get())
//
//	src, _ := source.New(config.SourceConfig{
//	    Name:     "econ",
//	    Domain:   "economic",
//	    Type:     "csv",
//	    Interval: time.Second,
//	    Settings: map[string]string{"path": "econ.csv"},
//	}, logger.Get())
//
//	ctx := context.Background()
//	_ = integrator.RegisterSource(src)
//	_ = integrator.StartSource(ctx, "econ", time.Second)
//	_ = integrator.StartProcessing(ctx)
//
//	recent := integrator.Latest("economic", "", 10)
//	_ = recent
//
// # Key Packages
//
//	pkg/source        - Polymorphic data source implementations
//	internal/pipeline - Buffer, collection tasks, worker, integrator
//	pkg/cache         - Bounded most-recent-N record store
//	pkg/sink          - Append-only date-partitioned JSON-lines log
//	pkg/clients       - HTTP client with rate limiting and circuit breaking
package conflux
