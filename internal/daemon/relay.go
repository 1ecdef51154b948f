package daemon

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/usecase"
)

// Relay runs one reader worker per child. Each worker owns its child's
// readable end and reassembler.
type Relay struct {
	router    domain.Router
	sink      domain.LogSink
	chunkSize int
	logger    *zap.Logger

	quiet  func() bool
	onExit func(role domain.Role)

	group errgroup.Group
}

// NewRelay creates a relay. chunkSize <= 0 selects the default.
func NewRelay(router domain.Router, sink domain.LogSink, chunkSize int, logger *zap.Logger) *Relay {
	if chunkSize <= 0 {
		chunkSize = usecase.DefaultChunkSize
	}
	return &Relay{
		router:    router,
		sink:      sink,
		chunkSize: chunkSize,
		logger:    logger,
		quiet:     func() bool { return false },
	}
}

// SetQuiet installs the shutdown check; stream errors are logged at debug
// while it reports true.
func (r *Relay) SetQuiet(fn func() bool) {
	if fn != nil {
		r.quiet = fn
	}
}

// OnExit registers a callback for a stream that ends outside shutdown.
func (r *Relay) OnExit(fn func(role domain.Role)) {
	r.onExit = fn
}

// Start launches a worker for c.
func (r *Relay) Start(c *ChildProcess) {
	r.group.Go(func() error {
		r.drain(c)
		return nil
	})
}

// Wait blocks until every worker has returned.
func (r *Relay) Wait() {
	_ = r.group.Wait()
}

func (r *Relay) drain(c *ChildProcess) {
	for _, rec := range c.takePending() {
		r.dispatch(c, rec)
	}

	buf := make([]byte, r.chunkSize)
	for {
		n, err := c.Transport.ReadChunk(buf)
		if n > 0 {
			for _, rec := range c.reassembler.Feed(buf[:n]) {
				r.dispatch(c, rec)
			}
		}
		if err != nil || n == 0 {
			if dropped := c.reassembler.Pending(); dropped > 0 {
				r.logger.Debug("dropping truncated record",
					zap.String("role", string(c.Role)),
					zap.Int("bytes", dropped))
			}
			c.reassembler.Reset()
			r.ended(c, err)
			return
		}
	}
}

func (r *Relay) dispatch(c *ChildProcess, rec []byte) {
	if c.Spec.Relay {
		r.router.Route(c.Role, rec)
		return
	}
	r.sink.Log(c.Role, string(rec))
}

func (r *Relay) ended(c *ChildProcess, err error) {
	log := r.logger.With(zap.String("role", string(c.Role)))
	if r.quiet() || c.State() != domain.StateRunning {
		log.Debug("child stream closed", zap.Error(err))
		return
	}

	if err == nil || errors.Is(err, io.EOF) {
		log.Error("child output ended unexpectedly")
	} else {
		log.Error("failed to read child output", zap.Error(err))
	}
	if r.onExit != nil {
		r.onExit(c.Role)
	}
}
