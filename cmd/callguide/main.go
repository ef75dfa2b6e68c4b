package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harunnryd/callguide/pkg/callguide"
	"github.com/harunnryd/callguide/pkg/transports"
)

const usage = `usage: callguide <command> [flags]

commands:
  serve     accept calls from the twilio media-stream ingress
  attach    guide one call whose audio arrives from the hub
  dial      place an outbound call through twilio
  recent    list the most recent stored call summaries`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "attach":
		err = attach(os.Args[2:])
	case "dial":
		err = dial(os.Args[2:])
	case "recent":
		err = recent(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("callguide_failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (callguide.Config, error) {
	if strings.TrimSpace(path) == "" {
		return callguide.DefaultConfig(), nil
	}
	return callguide.LoadConfig(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	eng, err := callguide.NewEngine(callguide.EngineOptions{
		Config:    cfg,
		Ingress:   true,
		BannerOut: os.Stdout,
	})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return eng.Run(ctx)
}

func attach(args []string) error {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	callID := fs.String("call", "", "call id to guide")
	drainTimeout := fs.Duration("drain_timeout", 10*time.Second, "how long to wait for the call to finish on shutdown")
	_ = fs.Parse(args)
	if strings.TrimSpace(*callID) == "" {
		return fmt.Errorf("attach: -call is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	eng, err := callguide.NewEngine(callguide.EngineOptions{Config: cfg})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	call, err := eng.StartCall(context.Background(), *callID, nil)
	if err != nil {
		return err
	}
	select {
	case <-call.Done():
	case <-ctx.Done():
		slog.Info("attach_interrupted", "call_id", *callID)
	}
	dctx, dcancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer dcancel()
	if err := eng.Drain(dctx); err != nil {
		return err
	}
	sum, err := call.Wait(dctx)
	if err != nil {
		return err
	}
	slog.Info("attach_done", "call_id", sum.CallID, "end_reason", sum.EndReason)
	return nil
}

func dial(args []string) error {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	to := fs.String("to", "", "destination number")
	from := fs.String("from", "", "caller id")
	voiceURL := fs.String("url", "", "override voice webhook url")
	sendDigits := fs.String("send_digits", "", "DTMF digits to send after connect")
	record := fs.Bool("record", false, "record the call")
	_ = fs.Parse(args)
	if *to == "" || *from == "" {
		return fmt.Errorf("dial: -to and -from are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	eng, err := callguide.NewEngine(callguide.EngineOptions{Config: cfg})
	if err != nil {
		return err
	}
	defer func() { _ = eng.Drain(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	callSID, err := eng.OutboundDialer().DialWithOptions(ctx, *to, *from, *voiceURL, transports.DialOptions{
		SendDigits: *sendDigits,
		Record:     *record,
	})
	if err != nil {
		return err
	}
	fmt.Println("call_sid:", callSID)
	return nil
}

func recent(args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	n := fs.Int("n", 10, "number of summaries")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Summary.Redis.Enabled {
		return fmt.Errorf("recent: summary.redis is not enabled")
	}
	cfg.Metrics.Addr = ""
	eng, err := callguide.NewEngine(callguide.EngineOptions{Config: cfg})
	if err != nil {
		return err
	}
	defer func() { _ = eng.Drain(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := eng.SummaryStore()
	ids, err := store.Recent(ctx, *n)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sum, err := store.Get(ctx, id)
		if err != nil {
			fmt.Printf("%s\t<%v>\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\t%dms\tphase=%s\tobjections=%d\trapport=%s\n",
			sum.CallID, sum.EndReason, sum.DurationMS, sum.Phase, len(sum.Objections), sum.RapportLabel)
	}
	return nil
}
