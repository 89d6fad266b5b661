// Command coap-server runs an echo-style CoAP server exercising the
// coap package end to end: it answers GET with the request's Uri-Path
// joined back as the payload, and POST/PUT by echoing the request
// body, demonstrating block-wise transfer for bodies over the
// negotiated segment size.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/coapcore/coapcore/coap"
	"github.com/coapcore/coapcore/coapmsg"
	"github.com/coapcore/coapcore/exchange"
	"github.com/coapcore/coapcore/internal/config"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if lvl, err := logrus.ParseLevel(cfg.Logger.Level); err == nil {
		coap.Log.SetLevel(lvl)
	}

	srv := coap.NewServer(cfg.Addr, coap.HandlerFunc(echo))
	srv.Timing = exchange.Timing{
		AckTimeout:      time.Duration(cfg.AckTimeoutMS) * time.Millisecond,
		AckRandomFactor: 1.5,
		MaxRetransmit:   cfg.MaxRetransmit,
		ProcessingDelay: time.Duration(cfg.ProcessingMS) * time.Millisecond,
	}
	srv.BlockSize = uint16(cfg.BlockSize)
	if cfg.MulticastGroup != "" {
		if ip := net.ParseIP(cfg.MulticastGroup); ip != nil {
			srv.MulticastGroup = ip
			srv.MulticastIface = cfg.MulticastIface
		} else {
			coap.Log.WithField("multicast_group", cfg.MulticastGroup).Warn("coap-server: invalid multicast group IP, ignoring")
		}
	}

	coap.Log.WithField("addr", cfg.Addr).Info("coap-server: listening")
	if err := srv.ListenAndServe(); err != nil {
		coap.Log.WithError(err).Fatal("coap-server: exited")
	}
}

func echo(w coap.ResponseWriter, r *coapmsg.Message) {
	method, _ := r.Method()
	switch method {
	case "get":
		path := strings.Join(r.Options.Path(), "/")
		w.Write(coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Content).WithPayload([]byte("/" + path)))
	case "post", "put":
		w.Write(coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Changed).WithPayload(r.Payload))
	default:
		w.Write(coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.MethodNotAllowed))
	}
}
