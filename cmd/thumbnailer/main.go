// Package main は文書の1ページ目をPNGのサムネイルとして書き出すコマンドです。
//
//	thumbnailer [-s 128] [-p 0] input output.png
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/yourusername/paper-view/internal/backend"
	"github.com/yourusername/paper-view/internal/render"
)

func main() {
	size := flag.Int("s", 128, "サムネイルの幅（ピクセル）")
	page := flag.Int("p", 0, "ページ番号（0始まり）")
	timeout := flag.Duration("t", time.Minute, "描画のタイムアウト")
	verbose := flag.Bool("v", false, "ジョブのログを出力する")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-s size] [-p page] input output.png\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 || *size <= 0 || *page < 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, flag.Arg(0), flag.Arg(1), *page, *size, *verbose); err != nil {
		log.Fatalf("thumbnailer: %v", err)
	}
}

func run(ctx context.Context, input, output string, page, width int, verbose bool) error {
	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	doc, err := backend.Open(input)
	if err != nil {
		return err
	}
	defer doc.Close()
	if n := doc.PageCount(); page >= n {
		return fmt.Errorf("%s has %d pages", input, n)
	}

	loop := render.NewLoop()
	sched := render.NewScheduler(render.Config{Workers: 1, Loop: loop, Debug: verbose}, logger)
	defer sched.Close()

	job := render.NewThumbnailJob(doc, page, 0, width)
	finished := make(chan struct{})
	job.OnFinished(loop, func(render.Job) { close(finished) })
	sched.Submit(job, render.PriorityUrgent)

	runCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go func() { _ = loop.Run(runCtx) }()

	select {
	case <-finished:
	case <-ctx.Done():
		sched.Cancel(job)
		return ctx.Err()
	}
	if err := job.Err(); err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := png.Encode(f, job.Image); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
