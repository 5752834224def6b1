package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"sensorsync/internal/adapter/gateway"
	"sensorsync/internal/domain"
	"sensorsync/internal/infra/config"
	"sensorsync/internal/infra/middleware"
)

// scanOverrides applies "scan --timeout D" before the manager is built.
func scanOverrides(cfg *config.Config, args []string) error {
	v, ok := flagValue(args, "--timeout")
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return domain.NewDomainError("scan", domain.ErrInvalidInput, fmt.Sprintf("--timeout %q is not a duration", v))
	}
	cfg.Radio.ScanTimeout = d
	return nil
}

// initialize brings the radio up or explains why it could not.
func (a *app) initialize(ctx context.Context) error {
	ok, err := a.manager.Initialize(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewSubSystemError("radio", "initialize", domain.ErrInitialization,
			"radio is off or bluetooth access was not granted")
	}
	return nil
}

func runScan(ctx context.Context, a *app, args []string, w io.Writer) error {
	prefix := a.cfg.Radio.NamePrefix
	if p, ok := flagValue(args, "--prefix"); ok {
		prefix = p
	}
	if err := a.initialize(ctx); err != nil {
		return err
	}

	fmt.Fprintf(w, "Scanning for %q (%s)...\n", prefix, a.cfg.Radio.ScanTimeout)
	session, err := a.manager.Scan(ctx, prefix, func(h domain.PeripheralHandle) {
		rssi := "-"
		if h.RSSI != nil {
			rssi = strconv.Itoa(*h.RSSI)
		}
		fmt.Fprintf(w, "  %-24s %-16s rssi=%s\n", h.ID, h.DisplayName(), rssi)
	})
	if err != nil {
		return err
	}
	<-session.Done()
	fmt.Fprintf(w, "Found %d peripheral(s).\n", len(session.Found()))
	return nil
}

func runSync(ctx context.Context, a *app, args []string, w io.Writer) error {
	pos := positional(args)
	if len(pos) != 1 {
		return domain.NewDomainError("sync", domain.ErrInvalidInput, "usage: sensorsync sync ID")
	}
	id := pos[0]
	if err := a.requireUploader(); err != nil {
		return err
	}
	if err := a.initialize(ctx); err != nil {
		return err
	}
	if err := a.discover(ctx, id); err != nil {
		return err
	}

	if _, err := a.manager.Connect(ctx, id); err != nil {
		return err
	}
	defer a.manager.Disconnect()

	snap, err := a.manager.ReadSnapshot(ctx, id)
	if err != nil {
		return err
	}
	rec, queued, err := a.uploader.Upload(ctx, snap)
	if err != nil {
		return err
	}
	if queued {
		fmt.Fprintf(w, "Snapshot from %s queued; it will be uploaded on the next flush.\n", id)
		return nil
	}
	fmt.Fprintf(w, "Snapshot from %s saved as record %s.\n", id, rec.ID)
	return nil
}

// discover scans with the configured prefix until id is seen, so the radio
// knows its address before Connect.
func (a *app) discover(ctx context.Context, id string) error {
	seen := make(chan struct{})
	var once bool
	session, err := a.manager.Scan(ctx, a.cfg.Radio.NamePrefix, func(h domain.PeripheralHandle) {
		if h.ID == id && !once {
			once = true
			close(seen)
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-seen:
		return nil
	case <-session.Done():
		select {
		case <-seen:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.NewSubSystemError("radio", "discover", domain.ErrConnection,
			fmt.Sprintf("peripheral %s was not seen within %s", id, a.cfg.Radio.ScanTimeout))
	}
}

func runHistory(ctx context.Context, a *app, args []string, w io.Writer) error {
	if a.store == nil {
		return a.requireUploader()
	}

	var (
		records []domain.StoredRecord
		err     error
	)
	if id, ok := flagValue(args, "--device"); ok {
		records, err = a.store.GetSnapshotsForPeripheral(ctx, id)
	} else {
		records, err = a.store.ListSnapshots(ctx)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No snapshots stored.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tDEVICE\tNAME\tCAPTURED\tDATA")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.PeripheralID, r.PeripheralName,
			r.CapturedAt.Format(time.RFC3339), r.Payload())
	}
	return tw.Flush()
}

func runFlush(ctx context.Context, a *app, _ []string, w io.Writer) error {
	if err := a.requireUploader(); err != nil {
		return err
	}
	if a.outbox == nil {
		fmt.Fprintln(w, "Outbox is disabled; nothing to flush.")
		return nil
	}

	n, err := a.uploader.Flush(ctx)
	left, lerr := a.outbox.Len(ctx)
	if lerr != nil {
		a.log.Warn("outbox length unavailable", "error", lerr)
	}
	fmt.Fprintf(w, "Uploaded %d snapshot(s); %d still pending.\n", n, left)
	return err
}

// runServe flushes the outbox on schedule and serves metrics until ctx ends.
func runServe(ctx context.Context, a *app, _ []string, w io.Writer) error {
	if a.uploader == nil && !a.cfg.Metrics.Enabled {
		return domain.NewSubSystemError("config", "run", domain.ErrConfigLoad,
			"nothing to run: set sync.base_url or enable metrics")
	}

	errc := make(chan error, 1)
	if a.cfg.Metrics.Enabled {
		if token := a.cfg.Metrics.EventsToken; token != "" {
			stream := gateway.NewStream(a.bus,
				gateway.NewStaticTokenAuth(gateway.TokenEntry{Token: token, Name: "events"}), a.log)
			defer stream.Close()
			a.metrics.Mount("/events", stream)
			fmt.Fprintf(w, "Streaming events on ws://%s/events\n", a.cfg.Metrics.Addr)
		}
		go func() {
			errc <- a.metrics.Serve(ctx, a.cfg.Metrics.Addr, a.log,
				middleware.Headers,
				middleware.RateLimit(ctx, a.cfg.Metrics.RateLimit, a.cfg.Metrics.Burst),
			)
		}()
		fmt.Fprintf(w, "Serving metrics on http://%s/metrics\n", a.cfg.Metrics.Addr)
	}
	if a.uploader != nil {
		if err := a.uploader.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(w, "Flushing outbox on schedule %q\n", a.cfg.Outbox.FlushSchedule)
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		if a.cfg.Metrics.Enabled {
			return <-errc
		}
		return nil
	case err := <-errc:
		return err
	}
}

func runEncrypt(args []string, w io.Writer) error {
	pos := positional(args)
	if len(pos) != 1 {
		return domain.NewDomainError("encrypt", domain.ErrInvalidInput, "usage: sensorsync encrypt VALUE")
	}
	passphrase := os.Getenv("SENSORSYNC_CONFIG_KEY")
	if passphrase == "" {
		return domain.NewDomainError("encrypt", domain.ErrInvalidInput, "SENSORSYNC_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(pos[0], passphrase)
	if err != nil {
		return domain.NewDomainError("encrypt", domain.ErrEncryption, err.Error())
	}
	fmt.Fprintf(w, "enc:%s\n", enc)
	return nil
}
