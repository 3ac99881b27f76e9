package server

import (
	"errors"
	"net"
	"time"
)

func (s *Server) serveTCP(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("TCP accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleTCP(nc)
	}
}

func (s *Server) handleTCP(nc net.Conn) {
	c := newConnection("tcp", nc.RemoteAddr().String(), func(b []byte) error {
		_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := nc.Write(b)
		return err
	}, nc.Close)
	s.serve(c, func(handle func([]byte)) error {
		return readLines(nc, maxLineBytes, s.logger, handle)
	})
}
