package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"chatrelay/protocol"
)

const (
	// SendQueueSize bounds captured blocks waiting for the network; newer blocks are dropped.
	SendQueueSize = 10
	// PlayQueueSize bounds received blocks waiting for playback; older blocks are dropped.
	PlayQueueSize = 20
)

// Voice streams PCM blocks to the voice port and collects what others send.
// Capture and Playback never block, so they are safe to call from audio callbacks.
type Voice struct {
	conn net.Conn

	send chan []float32
	play *DropOldest[[]float32]

	sendDropped atomic.Int64

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// DialVoice connects to the voice port and announces username.
func DialVoice(ctx context.Context, addr, username string) (*Voice, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteVoiceJoin(conn, username); err != nil {
		conn.Close()
		return nil, err
	}

	v := &Voice{
		conn: conn,
		send: make(chan []float32, SendQueueSize),
		play: NewDropOldest[[]float32](PlayQueueSize),
		done: make(chan struct{}),
	}
	v.wg.Add(2)
	go v.sendLoop()
	go v.receiveLoop()
	return v, nil
}

// Capture queues a copy of block for sending. It returns false if the block
// was dropped because the send queue is full.
func (v *Voice) Capture(block []float32) bool {
	select {
	case <-v.done:
		return false
	default:
	}

	select {
	case v.send <- append([]float32(nil), block...):
		return true
	default:
		v.sendDropped.Add(1)
		return false
	}
}

// Playback pops the oldest received block.
func (v *Voice) Playback() ([]float32, bool) {
	return v.play.Pop()
}

// FillBlock writes the next received block into out, padding with silence.
// It reports whether any audio was available.
func (v *Voice) FillBlock(out []float32) bool {
	block, ok := v.play.Pop()
	n := 0
	if ok {
		n = copy(out, block)
	}
	clear(out[n:])
	return ok
}

// Stats returns how many blocks were dropped on the way out and on the way in.
func (v *Voice) Stats() (sendDropped, playDropped int) {
	return int(v.sendDropped.Load()), v.play.Dropped()
}

func (v *Voice) sendLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case block := <-v.send:
			if err := protocol.WriteVoiceFrame(v.conn, protocol.EncodePCM(block)); err != nil {
				v.fail(err)
				return
			}
		}
	}
}

func (v *Voice) receiveLoop() {
	defer v.wg.Done()
	for {
		frame, err := protocol.ReadVoiceFrame(v.conn, 0)
		if err != nil {
			v.fail(err)
			return
		}
		samples, err := protocol.DecodePCM(protocol.VoicePayload(frame))
		if err != nil {
			continue
		}
		v.play.Push(samples)
	}
}

func (v *Voice) fail(err error) {
	v.errMu.Lock()
	if v.err == nil {
		v.err = err
	}
	v.errMu.Unlock()
	v.shutdown()
}

func (v *Voice) shutdown() {
	v.closeOnce.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}

// Done is closed when the voice connection ends.
func (v *Voice) Done() <-chan struct{} {
	return v.done
}

// Err reports the error that ended the connection, if any.
func (v *Voice) Err() error {
	v.errMu.Lock()
	defer v.errMu.Unlock()
	return v.err
}

func (v *Voice) Close() error {
	v.shutdown()
	v.wg.Wait()
	v.play.Clear()
	return nil
}
