package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaygw/pkg/config"
	"relaygw/pkg/core/netstack"
	"relaygw/pkg/gateway"
	"relaygw/pkg/ledger"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
)

func sendCmd() *cobra.Command {
	var (
		kind    string
		to      string
		port    int
		count   int
		txHex   string
		wait    time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send records to a node",
		Example: `  relaygw-client send --kind tcp --to 127.0.0.1:14265 --count 3
  relaygw-client send --kind udp --to 127.0.0.1:14600 --wait 2s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := buildRecords(count, txHex)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+wait)
			defer cancel()
			show := func(from string, d packer.Data) { fmt.Fprintln(cmd.OutOrStdout(), formatRecord(from, d)) }
			if transport.ParseKind(kind) == transport.KindTCP {
				return sendStream(ctx, to, records, wait, show)
			}
			return sendGateway(ctx, kind, to, port, records, wait, show)
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "tcp", "transport kind: tcp|udp|quic")
	f.StringVar(&to, "to", "127.0.0.1:14265", "node address as host:port")
	f.IntVar(&port, "port", 0, "local port for udp and quic (0 picks one)")
	f.IntVar(&count, "count", 1, "number of records to send")
	f.StringVar(&txHex, "tx", "", "hex transaction payload, zero-padded (random when empty)")
	f.DurationVar(&wait, "wait", 0, "keep listening for replies this long after sending")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "dial and send timeout")
	return cmd
}

func listenCmd() *cobra.Command {
	var tc config.TransportConfig
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Bind a transport and print every record received",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := netstack.NewByKind(tc, packer.New(nil))
			if err != nil {
				return err
			}
			gw, err := gateway.New([]transport.Transport{t}, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			gw.SubscribeReceive(func(r gateway.Receive) { fmt.Fprintln(out, formatRecord(r.Address, r.Data)) })
			gw.SubscribeNeighbor(func(n neighbor.Neighbor) { fmt.Fprintln(out, "neighbor", n.Address()) })
			gw.SubscribeError(func(err error) { zap.L().Warn("transport error", zap.Error(err)) })
			if err := gw.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(out, "listening on %s port %d\n", t.Kind(), tc.Port)
			<-cmd.Context().Done()
			return gw.Shutdown(context.Background())
		},
	}
	f := cmd.Flags()
	f.StringVar(&tc.Kind, "kind", "udp", "transport kind: tcp|udp|quic")
	f.StringVar(&tc.Host, "host", "", "address to bind")
	f.IntVar(&tc.Port, "port", 14600, "port to bind")
	return cmd
}

// sendStream dials a node's stream port directly; stream transports only
// accept inbound connections.
func sendStream(ctx context.Context, addr string, records []packer.Data, wait time.Duration, onReply func(string, packer.Data)) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	pk := packer.New(nil)
	w := transport.NewBlockWriter(c)
	for _, r := range records {
		if err := w.WritePacket(pk.Pack(r)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	zap.L().Info("records sent", zap.String("to", addr), zap.Int("count", len(records)))
	if wait <= 0 {
		return nil
	}

	_ = c.SetReadDeadline(time.Now().Add(wait))
	host := neighbor.HostOf(addr)
	err = transport.ReadBlocks(c, pk,
		func(d packer.Data) { onReply(host, d) },
		func(err error) { zap.L().Warn("bad reply", zap.Error(err)) })
	var ne net.Error
	if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
		return nil
	}
	return err
}

// sendGateway runs a one-transport gateway with the node as its only
// neighbor, so replies to the local port are reported too.
func sendGateway(ctx context.Context, kind, addr string, port int, records []packer.Data, wait time.Duration, onReply func(string, packer.Data)) error {
	t, err := netstack.NewByKind(config.TransportConfig{Kind: kind, Port: port}, packer.New(nil))
	if err != nil {
		return err
	}
	peer := neighbor.NewHost(t.Kind().String() + "://" + addr)
	gw, err := gateway.New([]transport.Transport{t}, []neighbor.Neighbor{peer})
	if err != nil {
		return err
	}
	gw.SubscribeReceive(func(r gateway.Receive) { onReply(r.Address, r.Data) })
	if err := gw.Run(ctx); err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	for _, r := range records {
		if err := gw.Send(ctx, r, peer.Address()); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	zap.L().Info("records sent", zap.String("to", peer.Address()), zap.Int("count", len(records)))
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
	return nil
}

func buildRecords(count int, txHex string) ([]packer.Data, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	var fixed []byte
	if txHex != "" {
		b, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, fmt.Errorf("decode --tx: %w", err)
		}
		if len(b) > ledger.TransactionSize {
			return nil, fmt.Errorf("--tx is %d bytes, at most %d allowed", len(b), ledger.TransactionSize)
		}
		fixed = make([]byte, ledger.TransactionSize)
		copy(fixed, b)
	}
	out := make([]packer.Data, count)
	for i := range out {
		tx := fixed
		if tx == nil {
			tx = randomBytes(ledger.TransactionSize)
		}
		out[i] = packer.Data{
			Transaction: ledger.MustTransaction(tx),
			RequestHash: ledger.MustHash(randomBytes(ledger.HashSize)),
		}
	}
	return out, nil
}

func formatRecord(from string, d packer.Data) string {
	tx := d.Transaction.Bytes()
	return fmt.Sprintf("from=%s tx=%s… hash=%s", from, hex.EncodeToString(tx[:8]), d.RequestHash)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
