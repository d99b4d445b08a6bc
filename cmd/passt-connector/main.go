// Command passt-connector runs the PASST/PASTA network connector: a
// single-threaded epoll event loop splicing guest TCP connections and
// forwarding guest UDP datagrams between a tap carrier and the host
// network. Grounded on the teacher's cmd/outline-cli-ws/main.go for
// its flag/signal/shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"passt-connector/internal/config"
	"passt-connector/internal/evloop"
	"passt-connector/internal/icmpproxy"
	"passt-connector/internal/pcapwriter"
	"passt-connector/internal/pipepool"
	"passt-connector/internal/portmap"
	"passt-connector/internal/sockpool"
	"passt-connector/internal/tap"
	"passt-connector/internal/tcpsplice"
	"passt-connector/internal/udpfwd"
)

func main() {
	var cfgPath, nsPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "config path")
	flag.StringVar(&nsPath, "ns", "", "target network namespace path (PASTA mode)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[CFG] %v", err)
	}
	log.Printf("[CFG] loaded %s mode=%s", cfgPath, cfg.Mode)

	conn := &tapSink{}

	loop, err := evloop.New(func(ref evloop.Ref, events uint32) {
		dispatch(conn, ref, events)
	})
	if err != nil {
		log.Fatalf("[LOOP] %v", err)
	}
	defer loop.Close()

	pipes := pipepool.New()
	pipes.ProbeSize()
	pipes.Refill()
	log.Printf("[TCP] pipe pool ready, size=%d", pipes.PipeSize())

	pools := tcpsplice.Pools{
		InboundV4:  sockpool.New(false, 0),
		InboundV6:  sockpool.New(true, 0),
		OutboundV4: sockpool.New(false, 0),
		OutboundV6: sockpool.New(true, 0),
	}
	for _, p := range []*sockpool.Pool{pools.InboundV4, pools.InboundV6, pools.OutboundV4, pools.OutboundV6} {
		p.Refill()
	}

	nofile := 1024
	tcpTable := tcpsplice.NewTable(loop, pipes, pools, nofile)
	tcpTable.NSPath = nsPath
	conn.tcp = tcpTable

	if len(cfg.Ports.TCPListen) == 0 {
		log.Printf("[TCP] no ports.tcp_listen entries configured; the splice engine will accept no connections")
	}
	for _, fw := range cfg.Ports.TCPListen {
		if err := tcpTable.Listen(fw.V6, uint32(fw.ListenPort), uint32(fw.DestPort), fw.Outbound); err != nil {
			log.Fatalf("[TCP] listen :%d: %v", fw.ListenPort, err)
		}
		log.Printf("[TCP] listening :%d -> :%d (v6=%v outbound=%v)", fw.ListenPort, fw.DestPort, fw.V6, fw.Outbound)
	}

	udpPorts := portmap.New(cfg.Ports.UDPDelta)

	v4gw, v4seen, v4dnsFwd, _, _, v4dns := cfg.V4.ParseIPs()
	v6gw, v6seen, v6dnsFwd, v6ll, v6llSeen, v6dns := cfg.V6.ParseIPs()

	udpCfg := udpfwd.Config{
		V4: udpfwd.AddrConfig{
			Gateway: v4gw, Seen: v4seen, DNS: v4dns, DNSForward: v4dnsFwd,
			NoMapGW: cfg.V4.NoMapGW,
		},
		V6: udpfwd.AddrConfig{
			Gateway: v6gw, Seen: v6seen, DNS: v6dns, DNSForward: v6dnsFwd,
			LinkLocal: v6ll, LinkLocalSeen: v6llSeen, NoMapGW: cfg.V6.NoMapGW,
		},
	}
	if cfg.Mode == "pasta" {
		udpCfg.Mode = udpfwd.ModePASTA
	}

	udpTable := udpfwd.NewTable(loop, udpCfg, conn, udpPorts)
	udpTable.NSPath = nsPath
	conn.udp = udpTable

	icmpProxy, err := icmpproxy.New(loop, conn)
	if err != nil {
		log.Printf("[ICMP] %v (echo proxy disabled)", err)
	}
	conn.icmp = icmpProxy

	if cfg.Pcap.Path != "" {
		f, err := os.Create(cfg.Pcap.Path)
		if err != nil {
			log.Fatalf("[PCAP] %v", err)
		}
		defer f.Close()
		pw, err := pcapwriter.New(f, cfg.Pcap.Snaplen, pcapwriter.LinkTypeEthernet)
		if err != nil {
			log.Fatalf("[PCAP] %v", err)
		}
		defer pw.Flush()
		conn.pcap = pw
		log.Printf("[PCAP] tracing to %s", cfg.Pcap.Path)
	}

	if err := dialCarrier(conn, cfg); err != nil {
		log.Fatalf("[WS] %v", err)
	}

	router := &frameRouter{udp: udpTable, icmp: icmpProxy}
	go runCarrier(conn, router)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigc
		log.Printf("[MAIN] shutting down")
		close(stop)
	}()

	ticker := time.NewTicker(cfg.Timers.TickInterval)
	defer ticker.Stop()

	log.Printf("[MAIN] event loop running")
	for {
		select {
		case <-stop:
			return
		default:
		}

		if _, err := loop.Wait(int(cfg.Timers.TickInterval / time.Millisecond)); err != nil {
			log.Printf("[LOOP] %v", err)
			return
		}

		select {
		case <-ticker.C:
			tcpTable.Tick()
			tcpTable.Sweep()
			tcpTable.DeferHandler(tcpTable.Count())
			udpTable.Age()
			if icmpProxy != nil {
				icmpProxy.Age()
			}
		default:
		}
	}
}

// dispatch routes a decoded ref to the TCP splice or UDP forwarding
// table by protocol tag, the one place the two engines' otherwise
// disjoint tables meet.
func dispatch(s *tapSink, ref evloop.Ref, events uint32) {
	switch ref.Proto() {
	case evloop.ProtoTCPListen, evloop.ProtoTCPConn:
		s.tcp.Dispatch(ref, events)
	case evloop.ProtoUDP:
		s.udp.Dispatch(ref, events)
	case evloop.ProtoICMP:
		if s.icmp == nil {
			return
		}
		id := uint16(ref.Port())
		if ref.V6() {
			if err := s.icmp.PollV6(id); err != nil {
				log.Printf("[ICMP] poll v6 id=%d: %v", id, err)
			}
		} else {
			if err := s.icmp.PollV4(id); err != nil {
				log.Printf("[ICMP] poll v4 id=%d: %v", id, err)
			}
		}
	}
}

// runCarrier drives whichever carrier dialCarrier configured, feeding
// every guest-originated frame into router. Runs until the carrier
// errors or is closed by shutdown.
func runCarrier(s *tapSink, router *frameRouter) {
	var err error
	switch {
	case s.device != nil:
		err = s.device.Run(router)
	case s.wsEnc != nil:
		err = s.wsEnc.Run(router)
	case s.ws != nil:
		err = s.ws.Run(context.Background(), router)
	}
	if err != nil {
		log.Printf("[TAP] carrier stopped: %v", err)
	}
}

// tapSink bridges the UDP and ICMP engines to whichever carrier is
// configured, and optionally mirrors every frame to a pcap trace.
type tapSink struct {
	tcp  *tcpsplice.Table
	udp  *udpfwd.Table
	icmp *icmpproxy.Proxy
	pcap *pcapwriter.Writer

	ws     *tap.PASSTConn
	wsEnc  *tap.PASSTCipherConn
	device *tap.PASTAConn
}

func dialCarrier(s *tapSink, cfg *config.Config) error {
	switch {
	case cfg.Mode == "pasta":
		dev, err := tap.OpenPASTA(cfg.Tap.Device)
		if err != nil {
			return err
		}
		s.device = dev
		log.Printf("[TAP] pasta device %s ready", dev.Name())
		return nil
	case cfg.Tap.CipherSecret != "":
		c, err := tap.NewPASSTTapFromWS(cfg.Tap.WSURL, cfg.Tap.CipherName, cfg.Tap.CipherSecret)
		if err != nil {
			return err
		}
		s.wsEnc = c
		log.Printf("[TAP] passt encrypted carrier to %s ready", cfg.Tap.WSURL)
		return nil
	default:
		c, err := tap.DialPASSTTimeout(cfg.Tap.WSURL)
		if err != nil {
			return err
		}
		s.ws = c
		log.Printf("[TAP] passt websocket carrier to %s ready", cfg.Tap.WSURL)
		return nil
	}
}
