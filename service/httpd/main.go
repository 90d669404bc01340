package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/liangpengcheng/qnetpool/base"
	"github.com/liangpengcheng/qnetpool/config"
	"github.com/liangpengcheng/qnetpool/ginhttp"
	"github.com/liangpengcheng/qnetpool/httpserver"
	"github.com/liangpengcheng/qnetpool/network"
)

func listenNode(listen string) (network.Node, bool) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		base.LogError("bad listen address %s:%s", listen, err.Error())
		return network.Node{}, false
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		base.LogError("bad listen port %s:%s", listen, err.Error())
		return network.Node{}, false
	}
	return network.NewNode(network.ProtocolTCP, host, uint16(port)), true
}

func main() {
	listen := flag.String("listen", ":8080", "http listen address")
	debug := flag.String("debug", "", "debug listen address")
	workers := flag.Int("workers", 4, "worker count")
	cfgFile := flag.String("config", "", "config file path")
	logPath := flag.String("logpath", "", "log file path")
	flag.Parse()

	base.SetLogPath(*logPath)

	settings := network.DefaultSettings()
	if *cfgFile != "" {
		if cfg := config.NewConfigFromFile(*cfgFile); cfg != nil {
			settings = cfg.Network
			if cfg.Listen != "" {
				*listen = cfg.Listen
			}
			if cfg.Debug != "" {
				*debug = cfg.Debug
			}
			if cfg.Workers > 0 {
				*workers = cfg.Workers
			}
		}
	}

	node, ok := listenNode(*listen)
	if !ok {
		return
	}

	work := network.NewWorkQueue(*workers)
	server := httpserver.NewHTTPServer(work)
	pool, err := network.NewPool(settings, server)
	if err != nil {
		base.LogError("create pool failed :%s", err.Error())
		return
	}
	server.SetPool(pool)
	pool.Bind(node, true)

	if *debug != "" {
		r := gin.Default()
		ginhttp.RegisterDebug(r, pool)
		go r.Run(*debug)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	base.LogInfo("httpd exit, served %d", server.Served())
	pool.Shutdown()
	work.Close()
}
