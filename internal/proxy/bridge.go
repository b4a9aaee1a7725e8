package proxy

import (
	"errors"
	"io"
	"net"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/logger"
)

// bridge pumps bytes between the local shmif primitive and the encrypted a12
// session until either side closes. Local bytes are framed onto the wire as
// they arrive; inbound frames are written back verbatim.
func bridge(id string, local net.Conn, remote *a12.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 64*1024)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if werr := remote.WriteFrame(buf[:n]); werr != nil {
					logger.Debug("bridge uplink closed", "id", id, "err", werr)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debug("local read ended", "id", id, "err", err)
				}
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			payload, err := remote.ReadFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debug("bridge downlink closed", "id", id, "err", err)
				}
				return
			}
			if _, err := local.Write(payload); err != nil {
				logger.Debug("local write ended", "id", id, "err", err)
				return
			}
		}
	}()

	<-done
	remote.Close()
	local.Close()
	<-done
	logger.Info("bridge finished", "id", id)
}
