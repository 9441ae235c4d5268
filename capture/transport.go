package capture

import (
	"log/slog"
	"time"

	"github.com/Clouded-Sabre/mtftp/lib"
)

// Transport records every datagram sent and received through the wrapped
// transport. Datagrams refused by the inner Send are not recorded.
type Transport struct {
	lib.Transport
	local lib.Addr
	w     *Writer
	log   *slog.Logger
}

func NewTransport(inner lib.Transport, local lib.Addr, w *Writer, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{Transport: inner, local: local, w: w, log: log.With("component", "capture")}
}

func (t *Transport) Send(to lib.Addr, data []byte) error {
	if err := t.Transport.Send(to, data); err != nil {
		return err
	}
	t.record(t.local, to, data)
	return nil
}

func (t *Transport) SetHandlers(onRecv func(lib.Addr, []byte), onSent func(lib.Addr, error)) {
	t.Transport.SetHandlers(func(from lib.Addr, data []byte) {
		t.record(from, t.local, data)
		onRecv(from, data)
	}, onSent)
}

func (t *Transport) record(from, to lib.Addr, data []byte) {
	if err := t.w.WriteDatagram(time.Now(), from, to, data); err != nil {
		t.log.Warn("capture write failed", "err", err)
	}
}
