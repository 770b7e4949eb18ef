package config

import "time"

type Config struct {
	TargetsFile string
	LogFormat   string
	ReportPath  string
	Sign        bool
	Metrics     MetricsConfig
	Publish     PublishConfig
	Events      EventsConfig
}

type MetricsConfig struct {
	Textfile       string
	PushgatewayURL string
	Job            string
}

type PublishConfig struct {
	Location   string
	PresignTTL time.Duration
}

type EventsConfig struct {
	URL     string
	Subject string
}
