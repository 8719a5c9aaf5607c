package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"wmprov/internal/adminapi"
	"wmprov/internal/applog"
	"wmprov/internal/config"
	"wmprov/internal/router"
	"wmprov/internal/transport"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", getDefaultFromEnv("WM_PROV_CONFIG", "provisioning.yml"), "Path to config file")
	adminPort := flag.Int("admin-port", 8080, "Admin API listen port")
	flag.Parse()

	applog.Init()

	log.Infof("Starting provisioning authority v%s", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Infof("Loaded %d network(s) from %s", len(cfg.Networks), *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	mqttTransport, err := transport.NewMQTTTransport(transport.MQTTOptions{
		BrokerURL:      mqttBrokerURL(),
		ClientID:       "wmprov-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		Username:       getDefaultFromEnv("WM_SERVICES_MQTT_USERNAME", ""),
		Password:       getDefaultFromEnv("WM_SERVICES_MQTT_PASSWORD", ""),
		PublishTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect MQTT transport: %v", err)
	}
	defer mqttTransport.Close()

	endpoints := transport.Endpoints{
		Request:  transport.EndpointPair{SourceEndpoint: 246, DestinationEndpoint: 255},
		Response: transport.EndpointPair{SourceEndpoint: 255, DestinationEndpoint: 246},
	}

	rtr := router.New(cfg, mqttTransport, endpoints, 1, 180*time.Second)

	if err := mqttTransport.RegisterUplink(endpoints.Request.SourceEndpoint, endpoints.Request.DestinationEndpoint, func(ev transport.ReceivedDataEvent) {
		rtr.Dispatch(ctx, ev)
	}); err != nil {
		log.Fatalf("Failed to register uplink: %v", err)
	}

	admin := adminapi.New(*adminPort, rtr, cfg, Version)
	if err := admin.Run(ctx); err != nil {
		log.Fatalf("Admin API error: %v", err)
	}
}

// getDefaultFromEnv mirrors the original provisioning server's
// get_default_value_from_env: an environment variable, when set,
// overrides the flag's compiled-in default.
func getDefaultFromEnv(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func mqttBrokerURL() string {
	host := getDefaultFromEnv("WM_SERVICES_MQTT_HOSTNAME", "localhost")
	port := getDefaultFromEnv("WM_SERVICES_MQTT_PORT", "1883")
	scheme := "tcp"
	if v, ok := os.LookupEnv("WM_SERVICES_MQTT_INSECURE"); ok && v == "false" {
		scheme = "ssl"
	}
	return scheme + "://" + host + ":" + port
}
