// Command segtrackd serves the experiment tracking API. Training runs post
// their config and per-epoch losses here; dashboards follow live runs over
// the socket.io feed.
package main

import (
	"flag"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/segtrain/segtrain/tracking"
)

func main() {
	addr := flag.String("addr", ":8080", "bind address")
	dbPath := flag.String("db", "segtrain.sqlite3", "path to the run database")
	klog.InitFlags(nil)
	flag.Parse()

	store, err := tracking.OpenStore(*dbPath)
	if err != nil {
		klog.Exitf("Failed to open %s: %v", *dbPath, err)
	}
	defer store.Close()

	server, err := tracking.NewServer(store)
	if err != nil {
		klog.Exitf("Failed to create server: %v", err)
	}

	go server.Socket().Serve()
	defer server.Socket().Close()
	http.Handle("/socket.io/", server.Socket())
	http.Handle("/", server.Router())
	klog.Infof("Tracking server listening on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		klog.Exitf("Server failed: %v", err)
	}
}
