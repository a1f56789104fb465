package main

import (
	"context"
	"errors"
	"io"
	"net"
)

// tunnelStdio copies in to conn and conn to out. It returns once the remote
// side is done. The end of in half-closes conn so the remote sees EOF.
func tunnelStdio(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go func() {
		if _, err := io.Copy(conn, in); err != nil {
			conn.Close()
			return
		}
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	_, err := io.Copy(out, conn)
	if err != nil && (ctx.Err() != nil || errors.Is(err, net.ErrClosed)) {
		return nil
	}
	return err
}
