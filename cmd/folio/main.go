package main

import (
	"os"

	"github.com/perlin-network/folio"
	"github.com/perlin-network/folio/api"
	"github.com/perlin-network/folio/log"
	"github.com/spf13/viper"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()

	app.Name = "folio"
	app.Author = "Perlin Network"
	app.Email = "support@perlin.net"
	app.Usage = "a distributed library federation driven by scripted scenarios"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "num-libs, l",
			Value: 4,
			Usage: "Run `NUM_LIBS` library processes (must be a perfect square).",
		},
		cli.IntFlag{
			Name:  "borrowers, b",
			Value: 4,
			Usage: "Run `NUM_BORROWERS` borrower processes.",
		},
		cli.StringFlag{
			Name:  "scenario, s",
			Value: "scenario.txt",
			Usage: "Drive the federation with the commands in `SCENARIO_PATH`.",
		},
		cli.Int64Flag{
			Name:  "seed",
			Value: 1,
			Usage: "Seed the book-cost source with `SEED`.",
		},
		cli.StringFlag{
			Name:  "api",
			Usage: "Serve a status endpoint on `API_ADDR` (e.g. localhost:9000).",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "Log at `LEVEL` (debug, info, warn, error).",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Read defaults from the file at `CONFIG_PATH`.",
		},
	}

	app.Action = func(c *cli.Context) {
		config := folio.Config{
			NumLibraries: c.Int("num-libs"),
			NumBorrowers: c.Int("borrowers"),
			Seed:         c.Int64("seed"),
		}

		scenarioPath := c.String("scenario")
		apiAddr := c.String("api")

		log.SetLevel(c.String("log-level"))

		if path := c.String("config"); path != "" {
			viper.SetConfigFile(path)

			if err := viper.ReadInConfig(); err != nil {
				log.Fatal().Err(err).Str("path", path).Msg("Failed to read config file.")
			}

			if !c.IsSet("num-libs") && viper.IsSet("num_libs") {
				config.NumLibraries = viper.GetInt("num_libs")
			}
			if !c.IsSet("borrowers") && viper.IsSet("borrowers") {
				config.NumBorrowers = viper.GetInt("borrowers")
			}
			if !c.IsSet("seed") && viper.IsSet("seed") {
				config.Seed = viper.GetInt64("seed")
			}
			if !c.IsSet("scenario") && viper.IsSet("scenario") {
				scenarioPath = viper.GetString("scenario")
			}
			if !c.IsSet("api") && viper.IsSet("api") {
				apiAddr = viper.GetString("api")
			}
		}

		file, err := os.Open(scenarioPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", scenarioPath).Msg("Failed to open scenario file.")
		}

		commands, err := folio.ParseScenario(file, config.NumLibraries, config.NumBorrowers)
		_ = file.Close()

		if err != nil {
			log.Fatal().Err(err).Msg("Failed to parse scenario file.")
		}

		federation, err := folio.NewFederation(config)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize the federation.")
		}

		if apiAddr != "" {
			go func() {
				if err := api.Run(federation, api.Options{ListenAddr: apiAddr}); err != nil {
					log.Error().Err(err).Msg("Status API stopped.")
				}
			}()
		}

		log.Info().
			Int("num_libs", config.NumLibraries).
			Int("borrowers", config.NumBorrowers).
			Int("commands", len(commands)).
			Msg("Starting the federation.")

		if err := federation.Run(commands); err != nil {
			log.Fatal().Err(err).Msg("Federation run failed.")
		}

		log.Info().
			Int64("messages", federation.Metrics().Delivered()).
			Int64("phases", federation.Metrics().Phases()).
			Msg("Federation run complete.")
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse command-line arguments.")
	}
}
