package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/faceanalyser/internal/types"
	"github.com/andresmejia3/faceanalyser/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

var (
	scanOpts     Options
	scanRefImage string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report when a reference face appears in a video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.Reference, "reference", "r", "", "Name of a stored reference face")
	scanCmd.Flags().StringVar(&scanRefImage, "reference-image", "", "Image holding the reference face (instead of --reference)")
	scanCmd.Flags().IntVarP(&scanOpts.Position, "position", "p", 0, "Which face of --reference-image to use")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 10, "Keyframe interval (e.g. analyse every 10th frame)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of goroutines feeding the shared analyser")
	scanCmd.Flags().StringVarP(&scanOpts.GracePeriod, "grace-period", "g", "2s", "The longest gap between matches that still counts as one appearance")

	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagsMutuallyExclusive("reference", "reference-image")
	scanCmd.MarkFlagsOneRequired("reference", "reference-image")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

type timeRange struct {
	Start float64
	End   float64
}

// runScan streams keyframes through ffmpeg, matches each against the reference face
// and prints the time ranges where it appears.
func runScan(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateScanFlags(&opts); err != nil {
		return err
	}

	ref, err := loadScanReference(ctx, opts)
	if err != nil {
		return err
	}

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		totalVideoFrames = -1 // spinner
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	matchChan := make(chan int, opts.NumEngines*2)

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failErr  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	// Collector must run concurrently to prevent deadlock on matchChan
	var matched []int
	collected := make(chan struct{})
	go func() {
		for idx := range matchChan {
			matched = append(matched, idx)
		}
		close(collected)
	}()

	// All goroutines share the one analyser; the engine serialises frames itself
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for task := range taskChan {
				face, err := Faces.FindSimilarFace(ctx, task.Data, ref)
				frameBufferPool.Put(task.Data[:0])
				if err != nil {
					fail(err)
					continue
				}
				if face != nil {
					Log.Debug("reference face matched", zap.Int("frame", task.Index), zap.Int("goroutine", id))
					matchChan <- task.Index
				}
			}
		}(i)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames, sentFrames := 0, 0
	for scanner.Scan() {
		totalFrames++
		bar.Add(1)
		if totalFrames%opts.NthFrame != 0 {
			continue
		}

		if !queueFrame(ctx, taskChan, totalFrames, scanner.Bytes()) {
			break
		}
		sentFrames++
	}
	scanErr := scanner.Err()

	close(taskChan)
	wg.Wait()
	close(matchChan)
	<-collected
	waitErr := ffmpeg.Wait()
	bar.Finish()

	if failErr != nil {
		utils.ShowError("Face analyser failed", failErr, nil)
		return failErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if scanErr != nil {
		utils.ShowError("Frame scanner failed", scanErr, nil)
		return scanErr
	}
	if waitErr != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.ShowError("FFmpeg execution failed", waitErr, nil)
		return waitErr
	}

	gracePeriod, _ := time.ParseDuration(opts.GracePeriod)
	maxGapFrames := int(gracePeriod.Seconds() * fps)
	if maxGapFrames < opts.NthFrame {
		maxGapFrames = opts.NthFrame // adjacent keyframes always join
	}
	ranges := mergeMatches(matched, fps, maxGapFrames)

	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Analysed %d keyframes out of %d total.\n", sentFrames, totalFrames)
	printRanges(ranges, len(matched))
	return nil
}

// queueFrame copies data into a pooled buffer and hands it to a matcher goroutine.
// It returns false, with the buffer back in the pool, once ctx is done.
func queueFrame(ctx context.Context, tasks chan<- types.FrameTask, index int, data []byte) bool {
	buf := frameBufferPool.Get().([]byte)
	buf = append(buf[:0], data...)
	select {
	case tasks <- types.FrameTask{Index: index, Data: buf}:
		return true
	case <-ctx.Done():
		frameBufferPool.Put(buf[:0])
		return false
	}
}

func loadScanReference(ctx context.Context, opts Options) (types.Face, error) {
	if scanRefImage != "" {
		return referenceFromImage(ctx, scanRefImage, opts.Position)
	}
	return referenceFromStore(ctx, opts.Reference)
}

// mergeMatches joins matched frame indices into time ranges. Matches at most
// maxGapFrames apart belong to the same range.
func mergeMatches(frames []int, fps float64, maxGapFrames int) []timeRange {
	if len(frames) == 0 || fps <= 0 {
		return nil
	}
	sorted := append([]int(nil), frames...)
	sort.Ints(sorted)

	var ranges []timeRange
	start, last := sorted[0], sorted[0]
	for _, f := range sorted[1:] {
		if f-last > maxGapFrames {
			ranges = append(ranges, timeRange{Start: float64(start) / fps, End: float64(last) / fps})
			start = f
		}
		last = f
	}
	return append(ranges, timeRange{Start: float64(start) / fps, End: float64(last) / fps})
}

func printRanges(ranges []timeRange, matches int) {
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	if len(ranges) == 0 {
		fmt.Println("❌ Reference face not found in video.")
		return
	}
	for _, r := range ranges {
		fmt.Printf("   %s -> %s\n", fmtTime(r.Start), fmtTime(r.End))
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "👁️  Matching keyframes: %d\n", matches)
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory, expected a video file", opts.InputPath)
		utils.ShowError("Invalid input", err, nil)
		return err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if _, err := time.ParseDuration(opts.GracePeriod); err != nil {
		utils.ShowError("Invalid grace-period format (use '2s', '500ms')", err, nil)
		return err
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
