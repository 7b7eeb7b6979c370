package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// progressObserver shows one progress bar per running pipeline.
type progressObserver struct {
	out  io.Writer
	lock sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newProgressObserver(out io.Writer) *progressObserver {
	return &progressObserver{
		out:  out,
		bars: make(map[string]*progressbar.ProgressBar),
	}
}

func (o *progressObserver) getProgressBar(total int, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions(total, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(o.out),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(o.out, "\n")
		}),
	)
}

func (o *progressObserver) Start(task string, total int) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.bars[task] = o.getProgressBar(total, task)
}

func (o *progressObserver) FileDone(task, path string) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if bar, ok := o.bars[task]; ok {
		_ = bar.Add(1)
	}
}

func (o *progressObserver) Finish(task string) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if bar, ok := o.bars[task]; ok {
		_ = bar.Finish()
		delete(o.bars, task)
	}
}
