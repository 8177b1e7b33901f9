// Command blerpcctl is the CLI that exercises a client.Session against
// a running blerpcd over its control socket, grounded on ctl/ctl.go's
// urfave/cli command structure and kr.go's fatih/color status output.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/tdaira/blerpc/client"
	"github.com/tdaira/blerpc/config"
	"github.com/tdaira/blerpc/peers"
	"github.com/tdaira/blerpc/transport"
)

// socketConnector adapts the blerpcd control-socket dial into the
// transport.Connector sequence client.Session.Connect drives, so the
// CLI exercises the same capabilities-then-handshake ordering a real
// BLE central would. The control socket has no radio-layer steps of
// its own, so only Subscribe does any work.
type socketConnector struct {
	mtu int
}

func (socketConnector) Connect(ctx context.Context) error              { return nil }
func (socketConnector) UpdateDataLength(ctx context.Context) error     { return nil }
func (c socketConnector) ExchangeMTU(ctx context.Context) (int, error) { return c.mtu, nil }
func (socketConnector) DiscoverServices(ctx context.Context) error     { return nil }

func (c socketConnector) Subscribe(ctx context.Context) (transport.Link, error) {
	conn, err := config.DaemonDial()
	if err != nil {
		return nil, fmt.Errorf("blerpcctl: connecting to blerpcd: %w", err)
	}
	return transport.NewConnLink(conn, c.mtu), nil
}

// connect dials blerpcd and drives client.Session.Connect's
// capabilities-then-handshake ordering. trustedIdentity pins the
// expected peripheral identity for the pair command; other commands
// pass nil and accept best-effort encryption.
func connect(ctx context.Context, trustedIdentity ed25519.PublicKey) (*client.Session, error) {
	store, err := peers.NewStore(peers.DefaultCapacity)
	if err != nil {
		return nil, err
	}
	s := client.NewUnconnected(config.DefaultAssemblerBufSize, config.DefaultTimeouts(), store, "blerpcd")
	if _, err := s.Connect(ctx, socketConnector{mtu: config.DefaultMTU}, trustedIdentity); err != nil {
		return nil, err
	}
	return s, nil
}

func echoCommand(c *cli.Context) error {
	message := c.Args().First()
	if message == "" {
		return cli.NewExitError("usage: blerpcctl echo <message>", 1)
	}
	s, err := connect(context.Background(), nil)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer s.Close()

	resp, err := s.Call(context.Background(), "echo", []byte(message))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Println(color.GreenString("%s", resp))
	return nil
}

func capsCommand(c *cli.Context) error {
	s, err := connect(context.Background(), nil)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer s.Close()

	caps, err := s.RequestCapabilities(context.Background())
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Printf("max_request=%d max_response=%d encryption=%s\n",
		caps.MaxRequestPayloadSize, caps.MaxResponsePayloadSize,
		color.YellowString("%v", caps.EncryptionSupported()))
	return nil
}

func pairCommand(c *cli.Context) error {
	trustedHex := c.Args().First()
	if trustedHex == "" {
		return cli.NewExitError("usage: blerpcctl pair <peripheral-ed25519-pubkey-hex>", 1)
	}
	trusted, err := hex.DecodeString(trustedHex)
	if err != nil {
		return cli.NewExitError(fmt.Errorf("blerpcctl: decoding trusted identity: %w", err), 1)
	}

	s, err := connect(context.Background(), ed25519.PublicKey(trusted))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer s.Close()

	if !s.Encrypted() {
		return cli.NewExitError(fmt.Errorf("blerpcctl: key exchange did not complete"), 1)
	}
	fmt.Println(color.GreenString("key exchange complete"))
	return nil
}

func counterStreamCommand(c *cli.Context) error {
	count := uint32(c.Int("count"))
	s, err := connect(context.Background(), nil)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer s.Close()

	s.RegisterServerStreamHandler("counter_stream", func(body []byte) {
		if len(body) != 8 {
			return
		}
		seq := binary.LittleEndian.Uint32(body[0:4])
		value := int32(binary.LittleEndian.Uint32(body[4:8]))
		fmt.Printf("seq=%d value=%d\n", seq, value)
	})

	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, count)
	if err := s.CallStream(context.Background(), "counter_stream", req); err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Println(color.GreenString("stream complete"))
	return nil
}

func counterUploadCommand(c *cli.Context) error {
	count := c.Int("count")
	s, err := connect(context.Background(), nil)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer s.Close()

	upload := s.StreamUploadBegin("counter_upload")
	body := make([]byte, 8)
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint32(body[0:4], uint32(i))
		binary.LittleEndian.PutUint32(body[4:8], uint32(i*10))
		if err := upload.Send(body); err != nil {
			return cli.NewExitError(err, 1)
		}
	}

	resp, err := upload.End(context.Background())
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if len(resp) != 4 {
		return cli.NewExitError(fmt.Errorf("blerpcctl: malformed counter_upload summary"), 1)
	}
	fmt.Printf("received_count=%d\n", binary.LittleEndian.Uint32(resp))
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "blerpcctl"
	app.Usage = "exercise a blerpc peripheral's RPC surface over its control socket"
	app.Commands = []cli.Command{
		{
			Name:   "echo",
			Usage:  "call the echo method",
			Action: echoCommand,
		},
		{
			Name:   "caps",
			Usage:  "request CONTROL/CAPABILITIES",
			Action: capsCommand,
		},
		{
			Name:   "pair",
			Usage:  "perform the KEY_EXCHANGE handshake against a known peripheral identity",
			Action: pairCommand,
		},
		{
			Name:   "counter-stream",
			Usage:  "drive the server-push counter_stream example",
			Action: counterStreamCommand,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "count", Value: 5},
			},
		},
		{
			Name:   "counter-upload",
			Usage:  "drive the client-push counter_upload example",
			Action: counterUploadCommand,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "count", Value: 5},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("%v", err))
		os.Exit(1)
	}
}
