package coopnet

import (
	"bytes"
	"net"

	"go.uber.org/zap"

	"github.com/nagareproject/core-sub001/coop"
)

// EchoHandler sends every received chunk back until the peer sends a
// chunk that is only whitespace or closes its side.
type EchoHandler struct {
	Logger *zap.Logger
}

func (h EchoHandler) ServeConn(t *coop.Task, conn *Socket, remote net.Addr) {
	log := h.Logger
	if log == nil {
		log = Logger()
	}
	log.Debug("connection", zap.Stringer("remote", remote))
	for {
		data, err := conn.Recv(t, 1024)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			return
		}
		if err := conn.SendAll(t, data); err != nil {
			log.Debug("echo", zap.Stringer("remote", remote), zap.Error(err))
			return
		}
	}
}
