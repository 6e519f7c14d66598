package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/vmspace/types"
	"github.com/outofforest/vmspace/vm"
)

// Config stores configuration of the working set scanner.
type Config struct {
	Interval     time.Duration
	Workers      uint64
	PagesPerScan uint64
}

// DefaultConfig is the default configuration of the scanner.
var DefaultConfig = Config{
	Interval:     time.Second,
	Workers:      4,
	PagesPerScan: 256,
}

// New creates new working set scanner.
func New(m *vm.Manager, config Config) *Scanner {
	return &Scanner{
		m:      m,
		config: config,
	}
}

// Scanner periodically visits all the address spaces, moves their page scanner cursors forward and resizes working
// sets according to the number of faults recorded since the previous pass.
type Scanner struct {
	m      *vm.Manager
	config Config
}

// Result summarizes one pass over the address space.
type Result struct {
	ID          types.AddressSpaceID
	Faults      uint64
	MappedPages uint64
	WorkingSet  uint64
}

// Run runs the scanner until context is canceled.
func (sc *Scanner) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("supervisor", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			ticker := time.NewTicker(sc.config.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					results, err := sc.Scan(ctx)
					if err != nil {
						return err
					}
					log.Debug("Working sets scanned", zap.Int("spaces", len(results)))
				}
			}
		})
		return nil
	})
}

// Scan does one pass over all the address spaces.
func (sc *Scanner) Scan(ctx context.Context) ([]Result, error) {
	spaceCh := make(chan *vm.AddressSpace)
	resultCh := make(chan Result)
	var results []Result

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("walker", parallel.Continue, func(ctx context.Context) error {
			defer close(spaceCh)

			var err error
			sc.m.Walk(func(s *vm.AddressSpace) bool {
				// Walk drops its reference when fn returns, worker needs its own one.
				s, exists := sc.m.Get(s.ID())
				if !exists {
					return true
				}
				select {
				case spaceCh <- s:
					return true
				case <-ctx.Done():
					sc.m.Put(s)
					err = errors.WithStack(ctx.Err())
					return false
				}
			})
			return err
		})
		spawn("workers", parallel.Continue, func(ctx context.Context) error {
			defer close(resultCh)

			return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				for i := range max(sc.config.Workers, 1) {
					spawn(fmt.Sprintf("worker-%02d", i), parallel.Continue, func(ctx context.Context) error {
						for s := range spaceCh {
							result := sc.scan(s)
							sc.m.Put(s)

							select {
							case resultCh <- result:
							case <-ctx.Done():
								return errors.WithStack(ctx.Err())
							}
						}
						return nil
					})
				}
				return nil
			})
		})
		spawn("collector", parallel.Continue, func(ctx context.Context) error {
			for result := range resultCh {
				results = append(results, result)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (sc *Scanner) scan(s *vm.AddressSpace) Result {
	result := Result{
		ID:     s.ID(),
		Faults: s.TakeFaultDelta(),
	}

	tm := s.TranslationMap()
	va := s.ScanVA()
	for range sc.config.PagesPerScan {
		if va >= s.End() {
			break
		}
		if _, _, mapped := tm.Query(va); mapped {
			result.MappedPages++
		}
		va += types.PageSize
	}
	s.SetScanVA(va)

	size, _, _ := s.WorkingSet()
	if result.Faults > 0 {
		size += result.Faults
	} else {
		size -= size / 8
	}
	result.WorkingSet = s.AdjustWorkingSet(size)

	return result
}
