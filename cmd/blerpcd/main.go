// Command blerpcd is the peripheral-side daemon: it wires a
// dispatch.Dispatcher to the example handlers and serves it over the
// blerpc control socket, grounded on the teacher's krd/main/krd.go
// (panic recovery, signal handling, op/go-logging setup).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"

	"github.com/tdaira/blerpc/applog"
	"github.com/tdaira/blerpc/config"
	"github.com/tdaira/blerpc/crypto"
	"github.com/tdaira/blerpc/dispatch"
	"github.com/tdaira/blerpc/handlers"
	"github.com/tdaira/blerpc/transport"
)

var log = applog.Setup("blerpcd", logging.INFO)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if name := os.Getenv("BLERPC_DEVICE_NAME"); name != "" {
		cfg.DeviceName = name
	}
	if seedHex := os.Getenv("BLERPC_ED25519_PRIVATE_KEY"); seedHex != "" {
		if err := cfg.SetEd25519PrivateKeyHex(seedHex); err != nil {
			return cfg, err
		}
	}
	if os.Getenv("BLERPC_REQUIRE_ENCRYPTION") == "true" {
		cfg.RequireEncryption = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// demoFlash is an in-memory stand-in for the flash/device driver
// flash_read reads through, since the real driver is out of scope
// (spec.md §1) and blerpcd has no physical flash to attach to.
type demoFlash struct{ data []byte }

func (f *demoFlash) ReadAt(buf []byte, address uint32) error {
	if int(address)+len(buf) > len(f.data) {
		return fmt.Errorf("blerpcd: demo flash read out of range")
	}
	copy(buf, f.data[address:int(address)+len(buf)])
	return nil
}

func (f *demoFlash) Size() uint32 { return uint32(len(f.data)) }

func newDemoFlash() *demoFlash {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i)
	}
	return &demoFlash{data: data}
}

func register(d *dispatch.Dispatcher, cfg config.Config) {
	d.Register("echo", handlers.Echo)
	d.Register("flash_read", handlers.FlashRead(newDemoFlash(), cfg.MaxFlashReadAddress))
	d.Register("counter_stream", handlers.CounterStream)
	d.Register("counter_upload", handlers.NewCounterUpload().Handle)
	d.Register("data_write", handlers.DataWrite)
}

func serveConn(conn net.Conn, link transport.Link, cfg config.Config, identity *crypto.PeripheralIdentity) {
	defer conn.Close()
	d := dispatch.New(cfg, link, identity)
	register(d, cfg)
	if err := d.Serve(); err != nil {
		log.Error("session ended:", err)
	}
	d.Close()
}

func main() {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	var identity *crypto.PeripheralIdentity
	if cfg.Encryption {
		id := crypto.NewPeripheralIdentity(cfg.Ed25519PrivateKeySeed)
		identity = &id
	}

	listener, err := config.DaemonListen()
	if err != nil {
		log.Fatal(err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Error("accept:", err)
				return
			}
			link := transport.NewConnLink(conn, config.DefaultMTU)
			go serveConn(conn, link, cfg, identity)
		}
	}()

	log.Notice("blerpcd launched, device name", cfg.DeviceName)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	sig := <-stopSignal
	log.Notice("stopping with signal", sig)
}
