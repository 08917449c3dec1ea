// Copyright 2022-2023 The fleetcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/fleetcast/cmd"
	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/notify"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

// enqueueArgs arguments of the enqueue subcommand
type enqueueArgs struct {
	Phone       string `validate:"required,numeric"`
	CountryCode string `validate:"omitempty,numeric"`
	Message     string `validate:"required_without=TemplateID"`
	TemplateID  string
	Variables   cli.StringSlice
	UserID      string
	EventType   string
	Class       string
}

var enqueueCmdArgs enqueueArgs

var logTags log.Fields

// @title fleetcast
// @version v0.1.0
// @description Live fleet status stream and notification dispatch

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Live fleet status stream and notification dispatch",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "api",
				Usage:       "Run the fleet stream API server",
				Description: "Serves the live fleet SSE stream, the map data query, and the dispatch views",
				Action:      startAPIServer,
			},
			{
				Name:        "worker",
				Usage:       "Run the notification dispatch worker",
				Description: "Consumes notification jobs from JetStream and delivers them",
				Action:      startWorker,
			},
			{
				Name:        "enqueue",
				Usage:       "Queue one SMS notification",
				Description: "Submit a send-sms job to the dispatch queue",
				Flags:       enqueueFlags(),
				Action:      enqueueNotification,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// enqueueFlags flags of the enqueue subcommand
func enqueueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "phone",
			Usage:       "Recipient phone number, without country code",
			Destination: &enqueueCmdArgs.Phone,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "country-code",
			Usage:       "Recipient country code. Config default if not specified.",
			Destination: &enqueueCmdArgs.CountryCode,
		},
		&cli.StringFlag{
			Name:        "message",
			Aliases:     []string{"m"},
			Usage:       "Message text",
			Destination: &enqueueCmdArgs.Message,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "Gateway template ID. Replaces the message text.",
			Destination: &enqueueCmdArgs.TemplateID,
		},
		&cli.StringSliceFlag{
			Name:        "var",
			Usage:       "Template variable as KEY=VALUE. Repeatable.",
			Destination: &enqueueCmdArgs.Variables,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Usage:       "Recipient user ID",
			Destination: &enqueueCmdArgs.UserID,
		},
		&cli.StringFlag{
			Name:        "event-type",
			Usage:       "Business event behind the notification",
			Value:       string(notify.EventCustom),
			DefaultText: string(notify.EventCustom),
			Destination: &enqueueCmdArgs.EventType,
		},
		&cli.StringFlag{
			Name:        "class",
			Usage:       "Job class selecting the retry policy",
			Destination: &enqueueCmdArgs.Class,
		},
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	// Secrets are excluded from the JSON form
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareJetStreamClient define the NATS client
func prepareJetStreamClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetJetStream(natsParam)
}

// prepareMongoClient define the MongoDB client
func prepareMongoClient(config common.MongoConfig) (*core.MongoClient, error) {
	return core.GetMongoClient(core.MongoConnectParams{
		URI:         config.URI,
		Database:    config.Database,
		DialTimeout: time.Second * time.Duration(config.DialTimeout),
	})
}

// closeJetStreamClient flush and close the NATS client
func closeJetStreamClient(js *core.NatsClient) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	js.Close(ctxt)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(
	runTimeContext context.Context, wg *sync.WaitGroup, ctxtCancel context.CancelFunc,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
		case <-runTimeContext.Done():
		}
		ctxtCancel()
	}()
}

// ============================================================================
// API subcommand

// startAPIServer run the fleet stream API server
func startAPIServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.API == nil {
		return fmt.Errorf("API server can't start without its configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer closeJetStreamClient(js)

	mongo, err := prepareMongoClient(config.Mongo)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define MongoDB client")
		return err
	}
	defer mongo.Close()

	signalRecvSetup(runTimeContext, wg, rtCancel)

	return cmd.RunAPIServer(runTimeContext, *config, cmdArgs.Hostname, js, mongo)
}

// ============================================================================
// Worker subcommand

// startWorker run the notification dispatch worker
func startWorker(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Worker == nil {
		return fmt.Errorf("worker can't start without its configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer closeJetStreamClient(js)

	mongo, err := prepareMongoClient(config.Mongo)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define MongoDB client")
		return err
	}
	defer mongo.Close()

	signalRecvSetup(runTimeContext, wg, rtCancel)

	return cmd.RunWorker(runTimeContext, *config, cmdArgs.Hostname, js, mongo)
}

// ============================================================================
// Enqueue subcommand

// parseVariables parse KEY=VALUE template variables
func parseVariables(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	result := map[string]string{}
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("template variable '%s' is not KEY=VALUE", entry)
		}
		result[key] = value
	}
	return result, nil
}

// enqueueNotification queue one SMS notification
func enqueueNotification(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if err := validator.New().Struct(&enqueueCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid enqueue args")
		return err
	}
	variables, err := parseVariables(enqueueCmdArgs.Variables.Value())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid template variables")
		return err
	}

	runTimeContext, rtCancel := context.WithTimeout(context.Background(), time.Second*30)
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer closeJetStreamClient(js)

	jobID, err := cmd.EnqueueNotification(
		runTimeContext,
		*config,
		cmdArgs.Hostname,
		js,
		notify.SMSRequest{
			UserID:      enqueueCmdArgs.UserID,
			Phone:       enqueueCmdArgs.Phone,
			CountryCode: enqueueCmdArgs.CountryCode,
			Message:     enqueueCmdArgs.Message,
			TemplateID:  enqueueCmdArgs.TemplateID,
			Variables:   variables,
			EventType:   notify.EventType(enqueueCmdArgs.EventType),
		},
		enqueueCmdArgs.Class,
	)
	if err != nil {
		return err
	}
	fmt.Println(jobID)
	return nil
}
