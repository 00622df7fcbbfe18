// Command relaybridge runs next to a real document-database server and
// forwards connections arriving over an azrelay tunnel to it over loopback
// TCP, turning an Azure Storage account into a dumb relay between a
// rethinkconn client and a server with no directly reachable inbound port.
// It is the azrelay analogue of examples/echo/server: accept, then copy
// bytes in both directions, with no awareness of the document-database
// wire protocol running on top.
package main

import (
	"io"
	"log"
	"net"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/atsika/rethinkconn/azrelay"
)

type options struct {
	Driver string        `short:"d" long:"driver" default:"azblob" description:"relay driver (azblob)"`
	URL    string        `short:"u" long:"url" required:"true" description:"storage service URL to listen on, passed to azrelay.Listen"`
	DBAddr string        `long:"db" default:"localhost:28015" description:"address of the real database to forward to"`
	Expiry time.Duration `long:"expiry" default:"24h" description:"SAS token expiry for the bootstrap endpoints"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return
	}

	l, err := azrelay.Listen(opts.Driver, opts.URL, azrelay.WithSASExpiry(opts.Expiry))
	if err != nil {
		log.Fatalf("relaybridge: listen: %v", err)
	}
	defer l.Close()

	connStr, err := l.(*azrelay.Listener).ConnectionString()
	if err != nil {
		log.Fatalf("relaybridge: connection string: %v", err)
	}
	log.Printf("relaybridge: tunnel ready, give this to the client dialer:\n%s", connStr)
	log.Printf("relaybridge: forwarding accepted tunnels to %s", opts.DBAddr)

	for {
		tunnelConn, err := l.Accept()
		if err != nil {
			log.Printf("relaybridge: accept: %v", err)
			continue
		}
		go bridge(tunnelConn, opts.DBAddr)
	}
}

func bridge(tunnelConn net.Conn, dbAddr string) {
	defer tunnelConn.Close()

	dbConn, err := net.DialTimeout("tcp", dbAddr, 10*time.Second)
	if err != nil {
		log.Printf("relaybridge: dial %s: %v", dbAddr, err)
		return
	}
	defer dbConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(dbConn, tunnelConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(tunnelConn, dbConn)
		done <- struct{}{}
	}()
	<-done
}
