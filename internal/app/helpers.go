package app

import (
	"log"
	"strings"

	"github.com/petervdpas/rtcomm/internal/config"
)

func logBanner(cfgPath string, cfg config.Config) {
	urls := make([]string, 0, len(cfg.Server.Endpoints))
	for _, e := range cfg.Server.Endpoints {
		urls = append(urls, e.URL)
	}
	log.Println("────────────────────────────────────────")
	log.Println("rtcomm client")
	log.Printf(" User        : %s", cfg.Identity.UserID)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Endpoints   : %s", strings.Join(urls, ", "))
	if cfg.Call.Synthetic {
		log.Println(" Media       : synthetic (no capture devices)")
	}
	log.Println("────────────────────────────────────────")
}
