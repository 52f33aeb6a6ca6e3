// Command watch-ticks tails the live tick stream of a running pilot.
//
// Usage:
//
//	go run ./cmd/tools/watch-ticks [flags]
//
// Flags:
//
//	-addr  Tick stream address (default: localhost:50061)
//	-json  Print each tick as a JSON line instead of a summary
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/velocity.pilot/internal/stream"
)

func main() {
	addr := flag.String("addr", stream.DefaultConfig().ListenAddr, "Tick stream address")
	asJSON := flag.Bool("json", false, "Print ticks as JSON lines")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer cc.Close()

	sub, err := stream.Watch(ctx, cc)
	if err != nil {
		log.Fatalf("Failed to watch %s: %v", *addr, err)
	}
	log.Printf("Watching ticks on %s", *addr)

	for {
		tick, err := sub.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			log.Printf("Stream closed")
			return
		}
		if stream.IsResourceExhausted(err) {
			log.Fatalf("Pilot has too many watchers: %v", err)
		}
		if err != nil {
			log.Fatalf("Stream error: %v", err)
		}

		if *asJSON {
			b, err := protojson.Marshal(tick)
			if err != nil {
				log.Printf("marshal tick: %v", err)
				continue
			}
			fmt.Fprintln(os.Stdout, string(b))
			continue
		}
		fmt.Fprintln(os.Stdout, summary(tick))
	}
}

func summary(s *structpb.Struct) string {
	f := s.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	line := fmt.Sprintf("%s #%.0f  cte=%+.3f epsi=%+.3f steer=%+.3f throttle=%+.3f  %s %.1fms",
		f["session"].GetStringValue(), num("seq"), num("cte"), num("epsi"),
		num("steering"), num("throttle"), f["status"].GetStringValue(), num("solve_ms"))
	if f["fallback"].GetBoolValue() {
		line += " fallback"
	}
	return line
}
