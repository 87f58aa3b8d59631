package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kea-checkin/internal/api"
	"kea-checkin/internal/authstore"
	"kea-checkin/internal/capability"
	"kea-checkin/internal/checkin"
	"kea-checkin/internal/config"
	"kea-checkin/internal/logging"
	"kea-checkin/internal/normalize"
	"kea-checkin/internal/scanner"
	"kea-checkin/models"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	creds := authstore.New(cfg.CredentialsFile)
	client := api.NewClient(cfg.APIBaseURL, creds, cfg.HTTPTimeout)

	a := &app{
		cfg:     cfg,
		creds:   creds,
		client:  client,
		session: checkin.NewSession(client),
		log:     log,
		in:      bufio.NewReader(os.Stdin),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(logging.ContextWithLogger(ctx, log)); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the interactive check-in terminal.
type app struct {
	cfg     config.Config
	creds   *authstore.Store
	client  *api.Client
	session *checkin.Session
	log     *slog.Logger
	in      *bufio.Reader

	readiness capability.Readiness
	events    []models.Event
}

func (a *app) run(ctx context.Context) error {
	fmt.Printf("KEA event check-in terminal — %s\n", a.cfg.APIBaseURL)

	a.readiness = capability.Probe(a.cfg.APIBaseURL, a.devicePaths())
	switch a.readiness.State {
	case capability.StateReady:
		fmt.Printf("Scanner ready on %s.\n", a.readiness.Device)
	case capability.StateBlockedByPolicy:
		fmt.Printf("Scanner unavailable: %s\n", a.readiness.Reason)
		fmt.Println("Falling back to manual entry (enter <code>).")
	case capability.StateUnsupported:
		fmt.Printf("No scanner: %s\n", a.readiness.Reason)
		fmt.Println("Falling back to manual entry (enter <code>).")
	}

	if err := a.session.Begin(); err != nil {
		return err
	}

	if _, err := a.creds.Load(); errors.Is(err, authstore.ErrNotAuthenticated) {
		fmt.Println("Not logged in. Use the login command first.")
	}

	fmt.Println(`Type "help" for commands.`)

	for {
		line, err := a.readLine(ctx, a.prompt())
		if err != nil {
			fmt.Println()
			return nil
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "help":
			printHelp()
		case "login":
			a.login(ctx)
		case "logout":
			a.logout()
		case "qr":
			a.showOwnQR(ctx)
		case "events":
			a.listEvents(ctx)
		case "use":
			a.selectEvent(arg)
		case "scan":
			a.scanOnce(ctx)
		case "enter":
			a.manualEntry(ctx, arg)
		case "attendance":
			a.showAttendance(ctx)
		case "export":
			a.exportAttendance(ctx)
		case "status":
			a.showStatus()
		case "quit", "exit":
			return nil
		default:
			fmt.Printf("Unknown command %q. Type \"help\" for commands.\n", cmd)
		}

		if ctx.Err() != nil {
			fmt.Println()
			return nil
		}
	}
}

func printHelp() {
	fmt.Print(`Commands:
  login              Log in to the association backend
  logout             Discard stored credentials
  qr                 Show your own QR payload and membership status
  events             List events and their numbers
  use <n|event-id>   Select the event to check people in to
  scan               Capture one code from the scanner device
  enter <code>       Type a code by hand (badge number, member id, ...)
  attendance         Show the attendance snapshot for the selected event
  export             Write the attendance snapshot to a CSV file
  status             Show terminal and session status
  quit               Exit
`)
}

func (a *app) prompt() string {
	if id := a.session.EventID(); id != "" {
		if name := a.eventName(id); name != "" {
			return fmt.Sprintf("[%s] > ", name)
		}
		return fmt.Sprintf("[%s] > ", id)
	}
	return "> "
}

func (a *app) eventName(id string) string {
	for _, e := range a.events {
		if e.EventID == id {
			return e.EventName
		}
	}
	return ""
}

func (a *app) devicePaths() []string {
	var paths []string
	for _, d := range scanner.DefaultDescriptors(a.cfg.ScannerDevice) {
		paths = append(paths, d.Name)
	}
	return paths
}

func (a *app) readLine(ctx context.Context, prompt string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	fmt.Print(prompt)
	line, err := a.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) confirmYes(ctx context.Context, prompt string) bool {
	line, err := a.readLine(ctx, prompt+" [y/N] ")
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (a *app) login(ctx context.Context) {
	email, err := a.readLine(ctx, "Email: ")
	if err != nil {
		return
	}
	password, err := a.readLine(ctx, "Password: ")
	if err != nil {
		return
	}

	resp, err := a.client.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		fmt.Println("Login failed:", apiMessage(err))
		return
	}
	fmt.Printf("Logged in as %s (%s).\n", resp.User.Username, resp.User.Email)
}

func (a *app) logout() {
	if err := a.client.Logout(); err != nil {
		fmt.Println("Logout failed:", err)
		return
	}
	fmt.Println("Credentials cleared.")
}

func (a *app) showOwnQR(ctx context.Context) {
	info, err := a.client.UserQRInfo(ctx)
	if err != nil {
		fmt.Println("Could not fetch QR info:", apiMessage(err))
		return
	}
	fmt.Printf("QR payload:  %s\n", info.QRData)
	fmt.Printf("Membership:  %s\n", info.MembershipStatus)
	if info.MemberUntil != nil {
		fmt.Printf("Valid until: %s\n", info.MemberUntil.Format("2006-01-02"))
	}
}

func (a *app) listEvents(ctx context.Context) {
	events, err := a.client.Events(ctx)
	if err != nil {
		fmt.Println("Could not fetch events:", apiMessage(err))
		return
	}
	a.events = events
	if len(events) == 0 {
		fmt.Println("No events found.")
		return
	}
	for i, e := range events {
		name := e.EventName
		if e.EventSubName != "" {
			name += " — " + e.EventSubName
		}
		fmt.Printf("%3d. %s  (%s, %s)\n", i+1, name, e.Location, e.EventTime.Format("2006-01-02 15:04"))
	}
	fmt.Println(`Select one with "use <n>".`)
}

func (a *app) selectEvent(arg string) {
	if arg == "" {
		fmt.Println("Usage: use <n|event-id>")
		return
	}
	eventID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(a.events) {
			fmt.Printf("No event %d; run \"events\" first.\n", n)
			return
		}
		eventID = a.events[n-1].EventID
	}
	if err := a.session.SelectEvent(eventID); err != nil {
		fmt.Println("Could not select event:", err)
		return
	}
	if name := a.eventName(eventID); name != "" {
		fmt.Printf("Checking in to %s. Scan a code or use enter <code>.\n", name)
	} else {
		fmt.Printf("Checking in to event %s. Scan a code or use enter <code>.\n", eventID)
	}
}

func (a *app) scanOnce(ctx context.Context) {
	if a.session.EventID() == "" {
		fmt.Println("Select an event first (events, then use <n>).")
		return
	}
	if a.readiness.State != capability.StateReady {
		fmt.Println("Scanner is not available on this terminal; use enter <code>.")
		return
	}

	engine := scanner.New(a.cfg.ScanRate)
	decodes, err := engine.Start(ctx, scanner.DefaultDescriptors(a.cfg.ScannerDevice))
	if err != nil {
		a.reportScannerError(err)
		return
	}
	defer engine.Stop()

	// SIGTSTP/SIGCONT suspend and resume delivery without dropping
	// the device, like covering and uncovering the scanner window.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(sig)

	fmt.Println("Waiting for a code (Ctrl-C to cancel)...")
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGTSTP {
				engine.Pause()
				fmt.Println("Scanner paused; SIGCONT resumes.")
			} else {
				engine.Resume()
				fmt.Println("Scanner resumed.")
			}
		case decode, ok := <-decodes:
			if !ok {
				fmt.Println("Scanner stopped without a decode.")
				return
			}
			a.handleCapture(ctx, decode.Text)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) reportScannerError(err error) {
	switch {
	case errors.Is(err, scanner.ErrPermissionDenied):
		fmt.Println("Scanner access denied; check device permissions. Falling back to manual entry.")
	case errors.Is(err, scanner.ErrNoDevice):
		fmt.Println("No scanner device found. Falling back to manual entry.")
	case errors.Is(err, scanner.ErrDeviceBusy):
		fmt.Println("Scanner is in use by another process. Close it and retry, or use manual entry.")
	default:
		fmt.Println("Scanner error:", err)
	}
}

func (a *app) manualEntry(ctx context.Context, arg string) {
	if a.session.EventID() == "" {
		fmt.Println("Select an event first (events, then use <n>).")
		return
	}
	text := arg
	if text == "" {
		line, err := a.readLine(ctx, "Code: ")
		if err != nil {
			return
		}
		text = line
	}
	text = strings.TrimSpace(text)
	if text == "" {
		fmt.Println("Nothing entered.")
		return
	}

	result, err := a.session.VerifyRaw(ctx, text)
	if err != nil {
		a.reportVerifyError(err)
		return
	}
	a.showResult(ctx, result)
}

func (a *app) handleCapture(ctx context.Context, raw string) {
	payload := normalize.Normalize(raw)

	var (
		result *models.VerificationResult
		err    error
	)
	if payload.Kind == normalize.KindUnknown {
		fmt.Printf("Unrecognized code: %q\n", raw)
		if !a.confirmYes(ctx, "Submit it for verification anyway?") {
			fmt.Println("Discarded. Scan again or use enter <code>.")
			return
		}
		result, err = a.session.VerifyRaw(ctx, raw)
	} else {
		result, err = a.session.Verify(ctx, payload)
	}
	if err != nil {
		a.reportVerifyError(err)
		return
	}
	a.showResult(ctx, result)
}

func (a *app) reportVerifyError(err error) {
	switch {
	case errors.Is(err, checkin.ErrNoEventSelected):
		fmt.Println("Select an event first (events, then use <n>).")
	case errors.Is(err, checkin.ErrStaleResult):
		// The session moved on; nothing to show.
	default:
		fmt.Println("Verification failed:", err)
	}
}

func (a *app) showResult(ctx context.Context, result *models.VerificationResult) {
	defer a.rearm()

	switch result.Status {
	case models.StatusReadyForCheckin:
		fmt.Println("Verified — ready for check-in.")
		printUserInfo(result.UserInfo)
		if !a.confirmYes(ctx, "Confirm check-in?") {
			fmt.Println("Check-in not confirmed.")
			return
		}
		message, err := a.session.Confirm(ctx)
		if err != nil {
			a.reportConfirmError(err)
			return
		}
		fmt.Println(message)

	case models.StatusAlreadyCheckedIn:
		fmt.Println("Already checked in.")
		if result.CheckedInAt != nil {
			fmt.Printf("  at %s\n", result.CheckedInAt.Local().Format("15:04:05"))
		}
		printUserInfo(result.UserInfo)

	case models.StatusNotRegistered:
		fmt.Println("Not registered for this event.")
		printUserInfo(result.UserInfo)

	case models.StatusMembershipInactive, models.StatusMembershipExpired:
		fmt.Printf("Membership check failed: %s\n", result.Message)
		printUserInfo(result.UserInfo)

	default:
		fmt.Println("Verification error:", result.Message)
	}
}

func (a *app) reportConfirmError(err error) {
	switch {
	case errors.Is(err, checkin.ErrRegistrationConsumed):
		fmt.Println("This registration was already confirmed in this session.")
	case errors.Is(err, checkin.ErrStaleResult):
	default:
		fmt.Println("Check-in failed:", apiMessage(err))
	}
}

// rearm returns the session to scanning after a result was handled so
// the next attendee can be processed immediately.
func (a *app) rearm() {
	if err := a.session.ScanNext(); err != nil && !errors.Is(err, checkin.ErrInvalidTransition) {
		a.log.Warn("rearm failed", "error", err)
	}
}

func printUserInfo(info *models.UserInfo) {
	if info == nil {
		return
	}
	fmt.Printf("  %s <%s>\n", info.Username, info.Email)
	if info.CompanyName != "" {
		fmt.Printf("  %s\n", info.CompanyName)
	}
	if info.FeePaid != "" {
		fmt.Printf("  fee paid: %s\n", info.FeePaid)
	}
}

func (a *app) showAttendance(ctx context.Context) {
	eventID := a.session.EventID()
	if eventID == "" {
		fmt.Println("Select an event first (events, then use <n>).")
		return
	}
	snapshot, err := a.client.EventAttendance(ctx, eventID)
	if err != nil {
		fmt.Println("Could not fetch attendance:", apiMessage(err))
		return
	}

	stats := snapshot.Statistics
	fmt.Printf("Registered: %d   Checked in: %d   Pending: %d   Rate: %s\n",
		stats.TotalRegistered, stats.TotalCheckedIn, stats.PendingCheckin, stats.AttendanceRate)
	for _, att := range snapshot.Attendees {
		mark := " "
		if att.CheckedIn {
			mark = "x"
		}
		fmt.Printf("  [%s] %-24s %-30s %s\n", mark, att.Username, att.Email, att.FeePaid)
	}
}

func (a *app) exportAttendance(ctx context.Context) {
	eventID := a.session.EventID()
	if eventID == "" {
		fmt.Println("Select an event first (events, then use <n>).")
		return
	}
	snapshot, err := a.client.EventAttendance(ctx, eventID)
	if err != nil {
		fmt.Println("Could not fetch attendance:", apiMessage(err))
		return
	}

	name := fmt.Sprintf("attendance-%s-%s.csv", eventID, time.Now().Format("20060102-150405"))
	f, err := os.Create(name)
	if err != nil {
		fmt.Println("Could not create file:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"username", "email", "company", "user_type", "fee_paid", "checked_in", "checked_in_at"})
	for _, att := range snapshot.Attendees {
		checkedInAt := ""
		if att.CheckedInAt != nil {
			checkedInAt = att.CheckedInAt.Format(time.RFC3339)
		}
		w.Write([]string{
			att.Username, att.Email, att.CompanyName, att.UserType,
			att.FeePaid, strconv.FormatBool(att.CheckedIn), checkedInAt,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Println("Could not write file:", err)
		return
	}
	fmt.Printf("Wrote %d attendees to %s.\n", len(snapshot.Attendees), name)
}

func (a *app) showStatus() {
	fmt.Printf("API:      %s\n", a.cfg.APIBaseURL)
	fmt.Printf("Scanner:  %s", a.readiness.State)
	if a.readiness.Device != "" {
		fmt.Printf(" (%s)", a.readiness.Device)
	} else if a.readiness.Reason != "" {
		fmt.Printf(" (%s)", a.readiness.Reason)
	}
	fmt.Println()
	fmt.Printf("Session:  %s", a.session.State())
	if id := a.session.EventID(); id != "" {
		fmt.Printf(", event %s", id)
	}
	fmt.Println()
	if creds, err := a.creds.Load(); err == nil && creds.User != nil {
		fmt.Printf("Operator: %s\n", creds.User.Email)
	} else {
		fmt.Println("Operator: not logged in")
	}
}

// apiMessage prefers the server's message over Go error plumbing.
func apiMessage(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	if errors.Is(err, authstore.ErrNotAuthenticated) {
		return "not logged in; use the login command"
	}
	return err.Error()
}
