package commissioning

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
)

// FrameHandler is the single endpoint a transport delivers frames to.
type FrameHandler interface {
	HandleFrame(raw []byte) error
}

// ListenAndServe runs a reference transport for C7: a length-prefixed
// (4-byte big-endian) framing over whatever net.Listener is supplied, so the
// protocol logic can be exercised without the BLE GATT server spec §1
// places out of scope. Each connection is handled in its own goroutine;
// frames on one connection are processed strictly in arrival order.
func ListenAndServe(ctx context.Context, ln net.Listener, handler FrameHandler) error {
	logger := log.New(log.Writer(), "[commissioning] ", log.LstdFlags)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveConn(conn, handler, logger)
	}
}

func serveConn(conn net.Conn, handler FrameHandler, logger *log.Logger) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Printf("read frame: %v", err)
			}
			return
		}
		if err := handler.HandleFrame(frame); err != nil {
			logger.Printf("handle frame: %v", err)
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, io.ErrShortBuffer
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes raw with the same 4-byte length prefix ListenAndServe
// reads, for use by test clients and the host-side provisioning tool.
func WriteFrame(w io.Writer, raw []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}
