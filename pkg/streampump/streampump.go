// Package streampump copies bytes between the local SSH client's
// stdin/stdout and a TCP connection to the forwarded sshd port.
package streampump

import (
	"io"
	"net"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Pump copies stdin to conn and conn to stdout concurrently, shutting down
// the write half of conn once stdin is exhausted, and returns once both
// directions have finished, reporting the first error either one hit.
//
// If the remote side closes first, io.Copy(stdout, conn) returns on its own,
// but io.Copy(conn, stdin) would otherwise stay blocked reading stdin
// forever, since nothing about the remote going away touches the local
// stdin descriptor. When stdin is closable (it is always an *os.File pipe
// in the ProxyCommand case), that direction finishing closes stdin too, so
// the pending read is interrupted instead of leaking the kubectl
// port-forward tunnel for the life of the local ssh client.
func Pump(conn *net.TCPConn, stdin io.Reader, stdout io.Writer) error {
	var g errgroup.Group

	g.Go(func() error {
		copied, err := io.Copy(conn, stdin)
		if cerr := conn.CloseWrite(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		klog.V(2).Infof("bytes_to_remote=%d", copied)
		return nil
	})

	g.Go(func() error {
		copied, err := io.Copy(stdout, conn)
		if closer, ok := stdin.(io.Closer); ok {
			_ = closer.Close()
		}
		if err != nil {
			return err
		}
		klog.V(2).Infof("bytes_from_remote=%d", copied)
		return nil
	})

	return g.Wait()
}
