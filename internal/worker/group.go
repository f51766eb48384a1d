package worker

import "sync"

// group is a WaitGroup whose completion can be raced against a timeout.
type group struct {
	wg sync.WaitGroup
}

func (g *group) Add(n int) { g.wg.Add(n) }

func (g *group) Done() { g.wg.Done() }

// WaitChan closes the returned channel once every member has finished.
func (g *group) WaitChan() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	return done
}
