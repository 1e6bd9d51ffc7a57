package tunnel

// packetQueue is a FIFO of raw IP packets waiting to be written back to the
// device. It is only ever touched by the worker goroutine, so it needs no
// locking.
type packetQueue struct {
	packets [][]byte
}

func (q *packetQueue) push(packet []byte) {
	q.packets = append(q.packets, packet)
}

// pop removes and returns the oldest packet, or nil if the queue is empty.
func (q *packetQueue) pop() []byte {
	if len(q.packets) == 0 {
		return nil
	}
	packet := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	return packet
}

func (q *packetQueue) empty() bool {
	return len(q.packets) == 0
}
