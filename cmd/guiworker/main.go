// Command guiworker is the GUI-automation worker subprocess spawned by the
// Cross-Process Coordination exclusivity scheduler (internal/coordination).
// It receives one task instruction as its sole argument, drives a headless
// Chromium session through Playwright, and prints a one-line JSON result to
// stdout. Its exit code (0 success, non-zero failure) and combined
// stdout+stderr are what internal/coordination.GUIQueue records against the
// Task Registry entry.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// instruction is the worker's input contract. Most dispatched tasks arrive
// as a bare natural-language string from the classifier (see
// dispatch.GUITask.Instruction) rather than structured JSON; parseInstruction
// turns either form into one of these.
type instruction struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Script   string `json:"script"`
}

// result is the JSON line printed to stdout on both success and failure.
type result struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		return fail("usage: guiworker <instruction>")
	}
	instr := parseInstruction(os.Args[1])

	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return fail(fmt.Sprintf("playwright install: %v", err))
	}
	pw, err := playwright.Run()
	if err != nil {
		return fail(fmt.Sprintf("playwright run: %v", err))
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Timeout:  playwright.Float(30000),
	})
	if err != nil {
		return fail(fmt.Sprintf("launch chromium: %v", err))
	}
	defer browser.Close()

	page, err := browser.NewPage()
	if err != nil {
		return fail(fmt.Sprintf("new page: %v", err))
	}
	page.SetDefaultTimeout(30000)

	summary, err := execute(page, instr)
	if err != nil {
		return fail(err.Error())
	}
	emit(result{OK: true, Summary: summary})
	return 0
}

// parseInstruction accepts structured JSON (the shape a tool-calling plugin
// would emit) or falls back to a bare string treated as a navigation target,
// since most GUI tasks reach the worker as the classifier's free-text
// task_description rather than a parameter object.
func parseInstruction(raw string) instruction {
	var instr instruction
	if err := json.Unmarshal([]byte(raw), &instr); err == nil && instr.Action != "" {
		return instr
	}
	return instruction{Action: "navigate_and_screenshot", URL: extractURL(raw)}
}

// extractURL pulls the first http(s) URL out of free text, or returns the
// whole string if it already looks like a bare URL.
func extractURL(text string) string {
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return strings.TrimSpace(text)
}

func execute(page playwright.Page, instr instruction) (string, error) {
	switch instr.Action {
	case "navigate":
		return navigate(page, instr.URL)
	case "navigate_and_screenshot":
		if _, err := navigate(page, instr.URL); err != nil {
			return "", err
		}
		return screenshot(page)
	case "click":
		if err := page.Click(instr.Selector); err != nil {
			return "", fmt.Errorf("click %q: %w", instr.Selector, err)
		}
		return "clicked " + instr.Selector, nil
	case "type":
		if err := page.Fill(instr.Selector, instr.Text); err != nil {
			return "", fmt.Errorf("fill %q: %w", instr.Selector, err)
		}
		return "typed into " + instr.Selector, nil
	case "extract_text":
		text, err := page.TextContent(instr.Selector)
		if err != nil {
			return "", fmt.Errorf("extract_text %q: %w", instr.Selector, err)
		}
		return text, nil
	case "execute_js":
		out, err := page.Evaluate(instr.Script)
		if err != nil {
			return "", fmt.Errorf("execute_js: %w", err)
		}
		return fmt.Sprintf("%v", out), nil
	case "screenshot":
		return screenshot(page)
	default:
		return "", fmt.Errorf("unsupported action %q", instr.Action)
	}
}

func navigate(page playwright.Page, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("navigate: empty url")
	}
	start := time.Now()
	if _, err := page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
		return "", fmt.Errorf("goto %q: %w", url, err)
	}
	return fmt.Sprintf("navigated to %s in %s", url, time.Since(start).Round(time.Millisecond)), nil
}

func screenshot(page playwright.Page) (string, error) {
	shot, err := page.Screenshot(playwright.PageScreenshotOptions{Type: playwright.ScreenshotTypePng})
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	return fmt.Sprintf("captured screenshot (%d bytes)", len(shot)), nil
}

func emit(r result) {
	data, _ := json.Marshal(r)
	fmt.Println(string(data))
}

func fail(msg string) int {
	emit(result{OK: false, Error: msg})
	slog.Error("guiworker failed", "err", msg)
	return 1
}
