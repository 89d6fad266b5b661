// Command coap-client issues a single GET, POST, PUT or DELETE against a coap://
// URL and prints the response payload, exercising the coap package's
// client-side coordinator end to end.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/coapcore/coapcore/coap"
	"github.com/coapcore/coapcore/coapmsg"
)

func main() {
	method := flag.String("method", "GET", "GET, POST, PUT or DELETE")
	body := flag.String("body", "", "request body for POST/PUT")
	confirmable := flag.Bool("con", true, "send a confirmable request")
	contentFormat := flag.String("content-format", "text/plain", "Content-Format for POST/PUT, by registry name")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: coap-client [flags] coap://host[:port]/path")
		os.Exit(2)
	}
	url := flag.Arg(0)

	req, err := coap.NewRequest(strings.ToUpper(*method), url, strings.NewReader(*body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "coap-client:", err)
		os.Exit(1)
	}
	req.Confirmable = *confirmable
	if *method == "POST" || *method == "PUT" {
		cf, err := coapmsg.ContentFormatValue(*contentFormat)
		if err != nil {
			fmt.Fprintln(os.Stderr, "coap-client:", err)
			os.Exit(1)
		}
		req.Options.Set(coapmsg.ContentFormat, cf)
	}

	resp, err := coap.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coap-client:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	payload, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coap-client:", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n%s\n", resp.Status, payload)
}
