package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/epaperframe/toccata"
	"github.com/epaperframe/toccata/auth"
	"github.com/epaperframe/toccata/config"
	"github.com/epaperframe/toccata/ratelimit"
	"github.com/epaperframe/toccata/storage"
	"github.com/epaperframe/toccata/toc/sqlite"
	"github.com/epaperframe/toccata/transport"
)

const usage = `usage: toccata [-config path] <command>

commands:
  sync [-conserve]      refresh the table of contents
  show                  print the cached listing
  download <name>       fetch one file into the image cache
  cleanup [-force]      remove stale cache state
  mirror <db path>      copy the listing into a SQLite database`

func main() {
	args := os.Args[1:]

	configPath := ""
	if len(args) >= 2 && args[0] == "-config" {
		configPath = args[1]
		args = args[2:]
	}

	if len(args) < 1 {
		fmt.Println(usage)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	fs := afero.NewOsFs()

	cfg, err := config.Load(fs, configPath)
	if err != nil {
		fatal("invalid configuration", err)
	}

	session := buildSession(fs, cfg, log)

	switch args[0] {
	case "sync":
		conserve := len(args) > 1 && args[1] == "-conserve"

		count, err := session.RetrieveTOC(conserve)
		if err != nil {
			fatal("sync failed", err)
		}

		fmt.Printf("listing holds %d files\n", count)

	case "show":
		files, err := session.Files()
		if err != nil {
			fatal("no cached listing", err)
		}

		for i, file := range files {
			fmt.Printf("%4d  %-44s %s\n", i, file.Name, file.ID)
		}

	case "download":
		if len(args) < 2 {
			fmt.Println(usage)
			os.Exit(1)
		}

		file, err := session.FileNamed(args[1])
		if err != nil {
			// fall back to a numeric index
			if i, convErr := strconv.Atoi(args[1]); convErr == nil {
				file, err = session.FileAt(i)
			}
		}
		if err != nil {
			fatal("file not in listing", err)
		}

		result, err := session.Download(file)
		if err != nil {
			fatal("download failed", err)
		}

		fmt.Printf("%s (%d bytes, from %s)\n", result.Path, result.Size, result.Source)

	case "cleanup":
		force := len(args) > 1 && args[1] == "-force"

		removed, err := session.Cleanup(force)
		if err != nil {
			fatal("cleanup failed", err)
		}

		fmt.Printf("removed %d files\n", removed)

	case "mirror":
		if len(args) < 2 {
			fmt.Println(usage)
			os.Exit(1)
		}

		if err := mirror(session, args[1]); err != nil {
			fatal("mirror failed", err)
		}

		fmt.Printf("listing mirrored to %s\n", args[1])

	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

func buildSession(fs afero.Fs, cfg config.Config, log zerolog.Logger) *toccata.Session {
	key, err := afero.ReadFile(fs, cfg.PrivateKeyFile)
	if err != nil {
		fatal("cannot read private key", err)
	}

	limiter := ratelimit.New(cfg.RateLimit(), ratelimit.WithLogger(log))

	authOpts := []auth.Option{auth.WithLogger(log)}
	sessionOpts := []toccata.Option{toccata.WithLogger(log)}

	if cfg.RootCAFile != "" {
		rootPEM, err := afero.ReadFile(fs, cfg.RootCAFile)
		if err != nil {
			fatal("cannot read root CA", err)
		}

		dialer, err := transport.NewPinnedDialer(rootPEM, 0)
		if err != nil {
			fatal("invalid root CA", err)
		}

		authOpts = append(authOpts, auth.WithDialer(dialer))
		sessionOpts = append(sessionOpts, toccata.WithDialer(dialer))
	}

	manager, err := auth.New(auth.Credentials{
		Email:      cfg.ServiceAccountEmail,
		PrivateKey: key,
		ClientID:   cfg.ClientID,
	}, fs, cfg.TokenFile(), limiter, authOpts...)
	if err != nil {
		fatal("invalid service account", err)
	}

	settings := toccata.Settings{
		FolderID:          cfg.FolderID,
		PageSize:          cfg.PageSize,
		AllowedExtensions: cfg.AllowedExtensions,
		TOCMaxAge:         cfg.TOCMaxAge(),
		MaxRetries:        cfg.MaxRetryAttempts,
		DataFile:          cfg.DataFile(),
		MetaFile:          cfg.MetaFile(),
		TokenFile:         cfg.TokenFile(),
		ImageDir:          cfg.ImageDir(),
		TempDir:           cfg.TempDir(),
		CacheRoot:         cfg.CacheRoot,
	}

	return toccata.New(settings, manager, storage.New(fs), limiter, sessionOpts...)
}

// mirror copies the cached listing into a SQLite store.
func mirror(session *toccata.Session, dbPath string) error {
	files, err := session.Files()
	if err != nil {
		return err
	}

	timestamp, err := session.TOC().Timestamp()
	if err != nil {
		return err
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.ReplaceAll(timestamp, files)
}

func fatal(message string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	os.Exit(1)
}
