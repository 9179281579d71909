package main

import (
	"flag"
	"log"
	"os"

	"github.com/danmuck/slowbreak/internal/config"
)

func main() {
	role := flag.String("role", "initiator", "session role: initiator|acceptor")
	output := flag.String("output", "cmd/slowbreakctl/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/slowbreakctl/config.toml", "config path for validation")
	stdout := flag.Bool("stdout", false, "print the template instead of writing it")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config for %s->%s at %s",
			cfg.Role, cfg.Session.SenderCompID, cfg.Session.TargetCompID, *input)
		return
	}

	if *stdout {
		f, err := config.Template(config.Role(*role))
		if err != nil {
			log.Fatal(err)
		}
		data, err := config.Render(f)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := os.Stdout.Write(data); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := config.WriteTemplate(*output, config.Role(*role), *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *role, *output)
}
