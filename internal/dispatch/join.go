package dispatch

import "sync"

// join fires done exactly once, after every hold handed out has been
// released. The creator must take its own hold before handing out others so
// done cannot fire while holds are still being registered.
type join struct {
	mu      sync.Mutex
	pending int
	fired   bool
	done    func()
}

func newJoin(done func()) *join {
	return &join{done: done}
}

// hold registers one outstanding contribution. The returned release may be
// called any number of times; only the first call counts.
func (j *join) hold() func() {
	j.mu.Lock()
	j.pending++
	j.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(j.release)
	}
}

func (j *join) release() {
	j.mu.Lock()
	j.pending--
	fire := j.pending == 0 && !j.fired
	if fire {
		j.fired = true
	}
	j.mu.Unlock()
	if fire {
		j.done()
	}
}
