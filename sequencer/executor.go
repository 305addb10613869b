package sequencer

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Executor runs tasks in the background. Sequencers use it to drain their
// queues, so one executor can be shared by all of the streams of a server.
//
// Submit must not block: it is called from the goroutine that reads a
// connection.
type Executor interface {
	Submit(task func()) error
}

// GoExecutor starts a new goroutine for every task.
type GoExecutor struct{}

var _ Executor = GoExecutor{}

// Submit implements Executor.
func (GoExecutor) Submit(task func()) error {
	go task()
	return nil
}

// PoolExecutor runs tasks on a fixed-size pool of goroutines. Tasks submitted
// while every worker is busy wait in a backlog and start in submission order
// as workers free up.
type PoolExecutor struct {
	pool *ants.Pool

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []func()
	// handing is set while feed waits for a worker for a task it already
	// took from the backlog.
	handing bool
	closed  bool
	fed     chan struct{}
}

var _ Executor = (*PoolExecutor)(nil)

// NewPoolExecutor creates a pool with the given number of workers.
func NewPoolExecutor(size int) (*PoolExecutor, error) {
	pool, err := ants.NewPool(size, ants.WithPreAlloc(false))
	if err != nil {
		return nil, err
	}
	p := &PoolExecutor{pool: pool, fed: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.feed()
	return p, nil
}

// Submit implements Executor. It never waits for a worker. It returns
// ants.ErrPoolClosed after Release.
func (p *PoolExecutor) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ants.ErrPoolClosed
	}
	p.backlog = append(p.backlog, task)
	p.cond.Signal()
	return nil
}

// feed hands the backlog to the pool, waiting for a free worker each time.
func (p *PoolExecutor) feed() {
	defer close(p.fed)
	for {
		p.mu.Lock()
		for len(p.backlog) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			rest := p.backlog
			p.backlog = nil
			p.mu.Unlock()
			for _, task := range rest {
				go task()
			}
			return
		}
		task := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		p.handing = true
		p.mu.Unlock()

		if err := p.pool.Submit(task); err != nil {
			// released while waiting for a worker
			go task()
		}
		p.mu.Lock()
		p.handing = false
		p.mu.Unlock()
	}
}

// Running returns the number of workers currently running a task.
func (p *PoolExecutor) Running() int {
	return p.pool.Running()
}

// Waiting returns the number of submitted tasks that have not reached a
// worker yet.
func (p *PoolExecutor) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.backlog)
	if p.handing {
		n++
	}
	return n
}

// Cap returns the size of the pool.
func (p *PoolExecutor) Cap() int {
	return p.pool.Cap()
}

// Release closes the pool. Tasks that are already running are not
// interrupted; tasks still in the backlog run on goroutines of their own.
func (p *PoolExecutor) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.pool.Release()
	<-p.fed
}
