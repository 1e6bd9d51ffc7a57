// Package dnsproxy decides which tunnel packets are DNS queries, relays them
// to the configured upstream resolvers and rewrites the replies so they appear
// to come from the in-tunnel alias addresses the clients queried.
package dnsproxy

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/danielpaulus/go-dnstun/dnstun/tunnel"
)

const dnsPort = 53

// request keeps the addressing of one client query, everything needed to
// build the reply packet once the upstream answers.
type request struct {
	v6               bool
	srcIP, dstIP     net.IP
	srcPort, dstPort layers.UDPPort
}

// Proxy implements tunnel.PacketProxy.
type Proxy struct {
	fw        tunnel.Forwarder
	resolvers []tunnel.Resolver
	blocklist *Blocklist
}

// New creates a Proxy for one tunnel session. blocklist may be nil.
func New(fw tunnel.Forwarder, resolvers []tunnel.Resolver, blocklist *Blocklist) *Proxy {
	return &Proxy{fw: fw, resolvers: resolvers, blocklist: blocklist}
}

// HandleRequest inspects one raw IP packet from the device. UDP packets for
// port 53 of a known resolver alias are either answered locally (blocked
// names) or forwarded upstream; everything else is dropped.
func (p *Proxy) HandleRequest(raw []byte) error {
	req, payload, ok := p.parseQuery(raw)
	if !ok {
		return nil
	}

	dst, _ := netip.AddrFromSlice(req.dstIP)
	dst = dst.Unmap()
	idx := slices.IndexFunc(p.resolvers, func(r tunnel.Resolver) bool {
		return r.Alias == dst
	})
	if idx < 0 {
		log.Tracef("dropping packet for %s, not a resolver alias", dst)
		return nil
	}
	upstream := p.resolvers[idx].Addr

	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		log.Warnf("could not parse DNS query for %s: %v", dst, err)
		return nil
	}
	if len(msg.Question) > 0 && p.blocklist.Contains(msg.Question[0].Name) {
		log.Debugf("answering blocked host %s locally", msg.Question[0].Name)
		p.answerBlocked(req, &msg)
		return nil
	}
	return p.fw.ForwardUpstream(payload, netip.AddrPortFrom(upstream, dnsPort), req)
}

// HandleResponse rewrites one upstream reply into an IP packet for the client
// that asked and queues it for the device.
func (p *Proxy) HandleResponse(ref any, response []byte) {
	req, ok := ref.(*request)
	if !ok {
		log.Errorf("HandleResponse: unexpected request reference %T", ref)
		return
	}
	packet, err := buildReply(req, response)
	if err != nil {
		log.Warnf("could not build reply packet: %v", err)
		return
	}
	p.fw.QueueDeviceWrite(packet)
}

// parseQuery decodes raw into the addressing of a potential DNS query and its
// UDP payload. ok is false for anything that is not UDP to port 53.
func (p *Proxy) parseQuery(raw []byte) (*request, []byte, bool) {
	if len(raw) == 0 {
		return nil, nil, false
	}
	req := &request{}
	var packet gopacket.Packet
	switch raw[0] >> 4 {
	case 4:
		packet = gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	case 6:
		packet = gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Default)
		req.v6 = true
	default:
		return nil, nil, false
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		req.srcIP, req.dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		req.srcIP, req.dstIP = ip.SrcIP, ip.DstIP
	default:
		return nil, nil, false
	}

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, nil, false
	}
	udp := udpLayer.(*layers.UDP)
	if udp.DstPort != dnsPort {
		return nil, nil, false
	}
	req.srcPort, req.dstPort = udp.SrcPort, udp.DstPort
	return req, udp.Payload, true
}

// answerBlocked queues an NXDOMAIN reply without any upstream traffic.
func (p *Proxy) answerBlocked(req *request, query *dns.Msg) {
	reply := new(dns.Msg).SetRcode(query, dns.RcodeNameError)
	out, err := reply.Pack()
	if err != nil {
		log.Warnf("could not pack blocked reply: %v", err)
		return
	}
	packet, err := buildReply(req, out)
	if err != nil {
		log.Warnf("could not build blocked reply packet: %v", err)
		return
	}
	p.fw.QueueDeviceWrite(packet)
}

// buildReply serializes an IP/UDP packet carrying payload back to the client,
// with source and destination of the original query swapped.
func buildReply(req *request, payload []byte) ([]byte, error) {
	udp := &layers.UDP{SrcPort: req.dstPort, DstPort: req.srcPort}

	var ip gopacket.SerializableLayer
	if req.v6 {
		ip6 := &layers.IPv6{
			Version:    6,
			SrcIP:      req.dstIP,
			DstIP:      req.srcIP,
			NextHeader: layers.IPProtocolUDP,
			HopLimit:   64,
		}
		udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	} else {
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    req.dstIP,
			DstIP:    req.srcIP,
		}
		udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("buildReply: could not serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}
