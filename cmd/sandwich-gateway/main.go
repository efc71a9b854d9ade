package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rockettek/makima-gateway/internal/clock"
	"github.com/rockettek/makima-gateway/internal/gateway"
	"github.com/rockettek/makima-gateway/internal/hostbridge"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	token := flag.String("token", "", "token the client will use to authenticate")
	intents := flag.Int("intents", 0, "gateway intents bitmask")
	shardID := flag.Int("shard-id", 0, "this process's shard id")
	shardCount := flag.Int("shard-count", 1, "total shard count")
	inPath := flag.String("in", "", "named pipe to read host commands from (default: stdin)")
	outPath := flag.String("out", "", "named pipe to write dispatch frames to (default: stdout)")
	flag.Parse()

	if *token == "" {
		zlog.Fatal().Msg("no token provided")
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	in, out := openHostPipes(*inPath, *outPath)

	session := gateway.NewSession(gateway.Config{
		Token:      *token,
		Intents:    *intents,
		ShardID:    *shardID,
		ShardCount: *shardCount,
		Identity:   gateway.DefaultIdentity(),
		Log:        zlog,
	})

	ctx, cancel := context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sc
		zlog.Info().Msg("Signal received, closing session")
		cancel()
	}()

	hostReader := hostbridge.NewReader(in)
	hostWriter := hostbridge.NewWriter(out)

	disposition, err := gateway.Run(ctx, session, clock.Real{}, hostReader, hostWriter)
	cancel()

	if *memprofile != "" {
		f, ferr := os.Create(*memprofile)
		if ferr != nil {
			log.Fatal("could not create memory profile: ", ferr)
		}
		defer f.Close()
		runtime.GC()
		if werr := pprof.WriteHeapProfile(f); werr != nil {
			log.Fatal("could not write memory profile: ", werr)
		}
	}

	if disposition != gateway.DispositionOK {
		zlog.Fatal().Err(err).Str("disposition", disposition.String()).Msg("gateway session ended")
	}
	zlog.Info().Msg("gateway session ended cleanly")
}

// openHostPipes resolves the host's inbound/outbound byte streams: named
// pipes if given, stdin/stdout otherwise (the common case when the host
// process spawns this binary and owns its pipe ends directly).
func openHostPipes(inPath, outPath string) (io.Reader, io.Writer) {
	in := io.Reader(os.Stdin)
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			zlog.Fatal().Err(err).Str("path", inPath).Msg("Couldn't open host input pipe")
		}
		in = f
	}

	out := io.Writer(os.Stdout)
	if outPath != "" {
		f, err := os.OpenFile(outPath, os.O_WRONLY, 0)
		if err != nil {
			zlog.Fatal().Err(err).Str("path", outPath).Msg("Couldn't open host output pipe")
		}
		out = f
	}

	return in, out
}
