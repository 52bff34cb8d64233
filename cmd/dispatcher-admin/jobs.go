package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/outbound-dispatch/internal/domain/model"
)

type createJobOptions struct {
	Channel     string
	Agent       string
	To          string
	RunAt       string
	In          time.Duration
	Cron        string
	Timezone    string
	Priority    int
	CPS         float64
	MaxRetries  int
	CallbackURL string
	CampaignID  string
}

func parseCreateJobFlags(args []string) (createJobOptions, error) {
	fs := flag.NewFlagSet("create-job", flag.ContinueOnError)
	opts := createJobOptions{}
	fs.StringVar(&opts.Channel, "channel", "", "Dispatch channel (caller number) (required)")
	fs.StringVar(&opts.Agent, "agent", "", "Agent or flow reference (required)")
	fs.StringVar(&opts.To, "to", "", "Destination address (required)")
	fs.StringVar(&opts.RunAt, "run-at", "", "Run time in RFC3339")
	fs.DurationVar(&opts.In, "in", 0, "Run time relative to now (alternative to --run-at)")
	fs.StringVar(&opts.Cron, "cron", "", "Cron expression for a recurring job")
	fs.StringVar(&opts.Timezone, "timezone", "", "IANA timezone for --cron")
	fs.IntVar(&opts.Priority, "priority", 0, "Priority 1 (highest) to 10; 0 uses the configured default")
	fs.Float64Var(&opts.CPS, "cps", 0, "Calls-per-second ceiling for the channel")
	fs.IntVar(&opts.MaxRetries, "max-retries", 0, "Retries after the first failed attempt")
	fs.StringVar(&opts.CallbackURL, "callback-url", "", "URL notified with the call outcome")
	fs.StringVar(&opts.CampaignID, "campaign", "", "Campaign the job belongs to")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, validateCreateJobOptions(&opts)
}

func validateCreateJobOptions(opts *createJobOptions) error {
	opts.Channel = strings.TrimSpace(opts.Channel)
	opts.Agent = strings.TrimSpace(opts.Agent)
	opts.To = strings.TrimSpace(opts.To)
	if opts.Channel == "" || opts.Agent == "" || opts.To == "" {
		return errors.New("--channel, --agent and --to are required")
	}
	set := 0
	for _, v := range []bool{opts.RunAt != "", opts.In != 0, opts.Cron != ""} {
		if v {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of --run-at, --in or --cron is required")
	}
	return nil
}

func (o createJobOptions) request(now time.Time) (*model.CreateJobRequest, error) {
	sched := model.Schedule{Type: model.ScheduleTypeOnce}
	switch {
	case o.Cron != "":
		sched.Type = model.ScheduleTypeCron
		sched.Cron = o.Cron
		sched.Timezone = o.Timezone
	case o.In != 0:
		runAt := now.Add(o.In)
		sched.RunAt = &runAt
	default:
		runAt, err := time.Parse(time.RFC3339, o.RunAt)
		if err != nil {
			return nil, fmt.Errorf("parse --run-at: %w", err)
		}
		sched.RunAt = &runAt
	}

	req := &model.CreateJobRequest{
		Type:     model.JobTypeOutboundDispatch,
		Priority: o.Priority,
		Schedule: sched,
		Payload: &model.OutboundDispatchPayload{
			Channel:     o.Channel,
			Agent:       o.Agent,
			To:          o.To,
			CPS:         o.CPS,
			MaxRetries:  o.MaxRetries,
			CallbackURL: o.CallbackURL,
		},
	}
	if o.CampaignID != "" {
		id := o.CampaignID
		req.CampaignID = &id
	}
	return req, nil
}

func runCreateJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateJobFlags(args)
	if err != nil {
		return err
	}
	req, err := opts.request(time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		j, createErr := svcs.Jobs.CreateJob(ctx, req)
		if createErr != nil {
			return fmt.Errorf("create job: %w", createErr)
		}
		cmdCtx.Logger.Info("job created", "job_id", j.ID, "run_at", j.RunAt(), "status", j.Status)
		return writeJSON(cmdCtx.Out, j)
	})
}

// parseJobID parses the shared --id flag, also accepting the id as the first argument.
func parseJobID(name string, args []string, extra func(*flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Job ID (required)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("--id is required")
	}
	return id, nil
}

// jobCommand runs fn against one job and prints the job it returns.
func jobCommand(
	cmdCtx *commandContext,
	id string,
	fn func(ctx context.Context, svcs *adminServices, id string) (*model.Job, error),
) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		j, err := fn(ctx, svcs, id)
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, j)
	})
}

func runGetJob(cmdCtx *commandContext, args []string) error {
	id, err := parseJobID("get-job", args, nil)
	if err != nil {
		return err
	}
	return jobCommand(cmdCtx, id, func(ctx context.Context, svcs *adminServices, id string) (*model.Job, error) {
		return svcs.Jobs.GetJob(ctx, id)
	})
}

func runCancelJob(cmdCtx *commandContext, args []string) error {
	id, err := parseJobID("cancel-job", args, nil)
	if err != nil {
		return err
	}
	return jobCommand(cmdCtx, id, func(ctx context.Context, svcs *adminServices, id string) (*model.Job, error) {
		return svcs.Reconciler.CancelJob(ctx, id)
	})
}

func runRetryJob(cmdCtx *commandContext, args []string) error {
	id, err := parseJobID("retry-job", args, nil)
	if err != nil {
		return err
	}
	return jobCommand(cmdCtx, id, func(ctx context.Context, svcs *adminServices, id string) (*model.Job, error) {
		return svcs.Reconciler.RetryJob(ctx, id)
	})
}

func runRescheduleJob(cmdCtx *commandContext, args []string) error {
	var (
		runAtRaw string
		in       time.Duration
	)
	id, err := parseJobID("reschedule-job", args, func(fs *flag.FlagSet) {
		fs.StringVar(&runAtRaw, "run-at", "", "New run time in RFC3339")
		fs.DurationVar(&in, "in", 0, "New run time relative to now")
	})
	if err != nil {
		return err
	}

	var runAt time.Time
	switch {
	case runAtRaw != "" && in != 0:
		return errors.New("--run-at and --in are mutually exclusive")
	case runAtRaw != "":
		runAt, err = time.Parse(time.RFC3339, runAtRaw)
		if err != nil {
			return fmt.Errorf("parse --run-at: %w", err)
		}
	case in != 0:
		runAt = time.Now().Add(in)
	default:
		return errors.New("--run-at or --in is required")
	}

	return jobCommand(cmdCtx, id, func(ctx context.Context, svcs *adminServices, id string) (*model.Job, error) {
		return svcs.Reconciler.RescheduleJob(ctx, id, runAt)
	})
}

func runDeleteJob(cmdCtx *commandContext, args []string) error {
	id, err := parseJobID("delete-job", args, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		if delErr := svcs.Jobs.DeleteJob(ctx, id); delErr != nil {
			return fmt.Errorf("delete job: %w", delErr)
		}
		return writef(cmdCtx.Out, "deleted job %s\n", id)
	})
}

type listJobsOptions struct {
	Statuses   string
	Channel    string
	CampaignID string
	Limit      int
	Offset     int
}

func parseListJobsFlags(args []string) (listJobsOptions, model.JobFilter, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	opts := listJobsOptions{}
	fs.StringVar(&opts.Statuses, "status", "", "Comma-separated statuses to include")
	fs.StringVar(&opts.Channel, "channel", "", "Only jobs on this channel")
	fs.StringVar(&opts.CampaignID, "campaign", "", "Only jobs generated by this campaign")
	fs.IntVar(&opts.Limit, "limit", model.DefaultPageLimit, "Maximum rows to return")
	fs.IntVar(&opts.Offset, "offset", 0, "Rows to skip")
	if err := fs.Parse(args); err != nil {
		return opts, model.JobFilter{}, err
	}

	filter := model.JobFilter{
		Channel:    strings.TrimSpace(opts.Channel),
		CampaignID: strings.TrimSpace(opts.CampaignID),
	}
	for _, raw := range strings.Split(opts.Statuses, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status := model.JobStatus(strings.ToLower(raw))
		if !status.Valid() {
			return opts, model.JobFilter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return opts, filter, nil
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, filter, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(cmdCtx, func(svcs *adminServices) error {
		jobs, listErr := svcs.Jobs.ListJobs(ctx, filter,
			model.JobSort{Field: model.SortByRunAt},
			model.Page{Limit: opts.Limit, Offset: opts.Offset},
		)
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		return renderJobTable(cmdCtx, jobs)
	})
}

func renderJobTable(cmdCtx *commandContext, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(cmdCtx.Out, "(no jobs found)")
	}
	tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tSTATUS\tRUN AT\tCHANNEL\tPRIORITY\tQUEUE REF\n"); err != nil {
		return err
	}
	for _, j := range jobs {
		var channel string
		if p, ok := j.Payload.(*model.OutboundDispatchPayload); ok {
			channel = p.Channel
		}
		ref := "-"
		if j.QueueRef != nil {
			ref = *j.QueueRef
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			j.ID, j.Status, formatTimestamp(j.RunAt()), channel, j.Priority, ref,
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}
