package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/target/outbound-dispatch/internal/domain/model"
)

// readCampaignRequest decodes a campaign request from path, or stdin when path is "-".
func readCampaignRequest(path string, stdin io.Reader) (*model.CreateCampaignRequest, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open campaign file: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var req model.CreateCampaignRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode campaign request: %w", err)
	}
	return &req, nil
}

func runCreateCampaign(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("create-campaign", flag.ContinueOnError)
	var file string
	fs.StringVar(&file, "file", "", "Path to the campaign JSON, or - for stdin (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return errors.New("--file is required")
	}
	req, err := readCampaignRequest(file, os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		res, createErr := svcs.Campaigns.CreateCampaign(ctx, req)
		if createErr != nil {
			return fmt.Errorf("create campaign: %w", createErr)
		}
		for _, f := range res.Failures {
			cmdCtx.Logger.Warn("receiver not scheduled", "campaign_id", res.CampaignID, "index", f.Index, "error", f.Err)
		}
		cmdCtx.Logger.Info("campaign created",
			"campaign_id", res.CampaignID,
			"jobs", len(res.JobIDs),
			"failures", len(res.Failures),
		)
		return writeJSON(cmdCtx.Out, res)
	})
}

func runSetCampaignStatus(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("set-campaign-status", flag.ContinueOnError)
	var id, status string
	fs.StringVar(&id, "id", "", "Campaign ID (required)")
	fs.StringVar(&status, "status", "", "active, paused or completed (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	next := model.CampaignStatus(strings.ToLower(strings.TrimSpace(status)))
	if id == "" {
		return errors.New("--id is required")
	}
	if !next.Valid() {
		return fmt.Errorf("invalid --status %q", status)
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		if setErr := svcs.Campaigns.SetCampaignStatus(ctx, id, next); setErr != nil {
			return fmt.Errorf("set campaign status: %w", setErr)
		}
		c, getErr := svcs.Campaigns.GetCampaign(ctx, id)
		if getErr != nil {
			return fmt.Errorf("get campaign: %w", getErr)
		}
		return writeJSON(cmdCtx.Out, c)
	})
}

func runSync(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		res, err := svcs.Sync.Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		for _, f := range res.Failures {
			cmdCtx.Logger.Warn("job not scheduled", "job_id", f.ID, "error", f.Err)
		}
		return writef(cmdCtx.Out, "considered=%d scheduled=%d skipped=%d failures=%d\n",
			res.Considered, res.Scheduled, res.Skipped, len(res.Failures))
	})
}
