package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"webcron/internal/app"
	"webcron/internal/model"
)

func main() {
	var (
		cfgPath      string
		validateExpr string
		testJobPath  string
		addJobPath   string
		runJobID     int64
		listJobs     bool
	)
	flag.StringVar(&cfgPath, "config", os.Getenv("WEBCRON_CONFIG"), "path to config json/yaml (empty: defaults + WEBCRON_* env)")
	flag.StringVar(&validateExpr, "validate-schedule", "", "print the next fire times of a schedule and exit")
	flag.StringVar(&testJobPath, "test-job", "", "run the job definition in this JSON file once without saving")
	flag.StringVar(&addJobPath, "add-job", "", "create the job defined in this JSON file")
	flag.Int64Var(&runJobID, "run-job", 0, "run the stored job with this id now and save the outcome")
	flag.BoolVar(&listJobs, "list", false, "list stored jobs")
	flag.Parse()

	// .env is optional (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fatal("load .env", err)
		}
	}

	if validateExpr != "" {
		info, err := app.ValidateSchedule(validateExpr, 5, time.Now())
		if err != nil {
			fatal("validate", err)
		}
		printJSON(info)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fatal("init", err)
	}

	if testJobPath != "" || addJobPath != "" || runJobID != 0 || listJobs {
		err := oneShot(ctx, a, testJobPath, addJobPath, runJobID, listJobs)
		_ = a.Stop(context.Background(), app.StopAppStop)
		if err != nil {
			fatal("command", err)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		fatal("start", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
}

func oneShot(ctx context.Context, a *app.App, testJobPath, addJobPath string, runJobID int64, list bool) error {
	switch {
	case testJobPath != "":
		job, err := readJob(testJobPath)
		if err != nil {
			return err
		}
		out, err := a.TestJob(ctx, job)
		if err != nil {
			return err
		}
		printJSON(out)
	case addJobPath != "":
		job, err := readJob(addJobPath)
		if err != nil {
			return err
		}
		created, err := a.CreateJob(ctx, job)
		if err != nil {
			return err
		}
		printJSON(created)
	case runJobID != 0:
		out, err := a.RunJobNow(ctx, runJobID)
		if err != nil {
			return err
		}
		printJSON(out)
	case list:
		jobs, err := a.ListJobs(ctx)
		if err != nil {
			return err
		}
		printJSON(jobs)
	}
	return nil
}

func readJob(path string) (model.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return model.Job{}, fmt.Errorf("%s: %w", path, err)
	}
	return job, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", what, err)
	os.Exit(1)
}
