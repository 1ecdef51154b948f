package usecase

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/tidwall/sjson"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/policy"
)

// PeerLookup resolves the writable end of a running child.
type PeerLookup interface {
	Writer(role domain.Role) (domain.RecordWriter, bool)
}

// RouterImpl implements domain.Router on top of a policy table.
type RouterImpl struct {
	table      *policy.Table
	classifier policy.Classifier
	ui         domain.Dispatcher
	peers      PeerLookup
	sink       domain.LogSink
	logger     *zap.Logger

	// quiet reports whether shutdown is in progress; write failures are
	// expected then and logged at debug.
	quiet func() bool
}

// NewRouter creates a router.
func NewRouter(
	table *policy.Table,
	classifier policy.Classifier,
	ui domain.Dispatcher,
	peers PeerLookup,
	sink domain.LogSink,
	logger *zap.Logger,
) *RouterImpl {
	return &RouterImpl{
		table:      table,
		classifier: classifier,
		ui:         ui,
		peers:      peers,
		sink:       sink,
		logger:     logger,
		quiet:      func() bool { return false },
	}
}

// SetQuiet installs the shutdown check used to downgrade write errors.
func (r *RouterImpl) SetQuiet(fn func() bool) {
	if fn != nil {
		r.quiet = fn
	}
}

// Route dispatches one record read from a child. It never blocks on the UI
// and never fails: unreadable records take the fallback rule.
func (r *RouterImpl) Route(source domain.Role, record []byte) {
	disc, ok := r.classifier.Discriminator(record)
	route := r.table.Match(disc, ok, source)

	if route.Log {
		r.sink.Log(source, string(record))
	}
	for _, fwd := range route.Forward {
		out := record
		if fwd.Wrap {
			out = wrapBatch(record)
		}
		if route.Log {
			r.logger.Debug("forwarding record",
				zap.String("route", route.Name),
				zap.String("from", string(source)),
				zap.String("to", string(fwd.Role)))
		}
		r.send(fwd.Role, out)
	}
	if route.UI {
		r.ui.Deliver(string(record))
	}

	if !ok {
		return
	}
	for _, tap := range r.table.TapsFor(disc) {
		r.runTap(tap, record)
	}
}

// Invoke handles a record submitted by the UI.
func (r *RouterImpl) Invoke(record string) {
	r.Route(domain.RoleUI, []byte(record))
}

func (r *RouterImpl) runTap(tap policy.Tap, record []byte) {
	text, ok := r.classifier.TextField(record, tap.Field)
	if !ok {
		return
	}
	req, err := speechRequest(tap.RequestType, text)
	if err != nil {
		r.logger.Warn("failed to build tap request", zap.String("type", tap.RequestType), zap.Error(err))
		return
	}
	r.logger.Info("sending to audio service",
		zap.String("target", string(tap.Target)),
		zap.Int("chars", len(text)))
	r.send(tap.Target, req)
}

func (r *RouterImpl) send(role domain.Role, record []byte) {
	w, ok := r.peers.Writer(role)
	if !ok {
		r.logger.Warn("no running child for record", zap.String("role", string(role)))
		return
	}
	if err := w.Write(record); err != nil {
		if r.quiet() {
			r.logger.Debug("write during shutdown", zap.String("role", string(role)), zap.Error(err))
			return
		}
		r.logger.Error("failed to forward record", zap.String("role", string(role)), zap.Error(err))
	}
}

// wrapBatch returns record as a single-element JSON array. Records that
// already are an array pass through unchanged.
func wrapBatch(record []byte) []byte {
	if trimmed := bytes.TrimLeft(record, " \t"); len(trimmed) > 0 && trimmed[0] == '[' {
		return record
	}
	out := make([]byte, 0, len(record)+2)
	out = append(out, '[')
	out = append(out, record...)
	return append(out, ']')
}

// speechRequest builds {"type":<reqType>,"payload":"<text>"}. text is already
// an escaped JSON string body and is inserted without re-escaping.
func speechRequest(reqType, text string) ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "type", reqType)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, domain.PayloadField, []byte(`"`+text+`"`))
}
