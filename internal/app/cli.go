package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/medsync/internal/adherence"
	"github.com/hitoshi/medsync/internal/cache"
	"github.com/hitoshi/medsync/internal/gate"
	"github.com/hitoshi/medsync/internal/model"
	"golang.org/x/term"
)

// cli はサブコマンドの実装。
type cli struct {
	c            *components
	out          io.Writer
	errOut       io.Writer
	readPassword func(username string) (string, error)
	now          func() time.Time
}

// promptPassword はMEDSYNC_PASSWORDを優先し、未設定の場合は端末から入力させる関数を返す。
func promptPassword(prompt io.Writer) func(string) (string, error) {
	return func(username string) (string, error) {
		if pw := os.Getenv("MEDSYNC_PASSWORD"); pw != "" {
			return pw, nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", model.NewValidationError("MEDSYNC_PASSWORD is not set and stdin is not a terminal")
		}
		fmt.Fprintf(prompt, "password for %s: ", username)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
}

func (a *cli) flagSet(cmd Command) *flag.FlagSet {
	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

// credentials は -username / -role を解析し、パスワードを取得する。
func (a *cli) credentials(cmd Command, args []string) (username, password, role string, err error) {
	fs := a.flagSet(cmd)
	fs.StringVar(&username, "username", os.Getenv("MEDSYNC_USERNAME"), "account name")
	fs.StringVar(&role, "role", "", "requested role (patient or caretaker)")
	if err := fs.Parse(args); err != nil {
		return "", "", "", err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", "", model.NewValidationError("-username is required")
	}
	password, err = a.readPassword(username)
	if err != nil {
		return "", "", "", err
	}
	return username, password, role, nil
}

func (a *cli) login(ctx context.Context, args []string) error {
	username, password, role, err := a.credentials(CommandLogin, args)
	if err != nil {
		return err
	}
	s, err := a.c.sessions.Login(ctx, username, password, role)
	if err != nil {
		return err
	}
	a.printSession(s)
	return nil
}

func (a *cli) register(ctx context.Context, args []string) error {
	username, password, role, err := a.credentials(CommandRegister, args)
	if err != nil {
		return err
	}
	s, err := a.c.sessions.Register(ctx, username, password, role)
	if err != nil {
		return err
	}
	a.printSession(s)
	return nil
}

func (a *cli) logout(ctx context.Context) error {
	if err := a.c.sessions.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *cli) whoami(ctx context.Context) error {
	s, err := a.c.sessions.Restore(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		fmt.Fprintln(a.out, "not logged in")
		return nil
	}
	a.printSession(s)
	return nil
}

func (a *cli) printSession(s *model.Session) {
	fmt.Fprintf(a.out, "user: %s (id %s)\n", s.Username, s.UserID)
	fmt.Fprintf(a.out, "role: %s\n", s.Role)
	fmt.Fprintf(a.out, "home: %s\n", gate.HomeFor(s.Role))
	if !s.Claims.ExpiresAt.IsZero() {
		fmt.Fprintf(a.out, "expires: %s\n", s.Claims.ExpiresAt.Format(time.RFC3339))
	}
}

// restore は保存済みのセッションを復元する。セッションがない場合はAuthErrorを返す。
func (a *cli) restore(ctx context.Context) (*model.Session, error) {
	s, err := a.c.sessions.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	return s, nil
}

// dayFlag は -date の値を解析する。空の場合は今日。
func (a *cli) dayFlag(raw string) (model.Day, error) {
	if raw == "" {
		return model.DayOf(a.now()), nil
	}
	d, err := model.ParseDay(raw)
	if err != nil {
		return model.Day{}, model.NewValidationError(fmt.Sprintf("invalid -date %q (want YYYY-MM-DD)", raw))
	}
	return d, nil
}

func (a *cli) take(ctx context.Context, args []string) error {
	fs := a.flagSet(CommandTake)
	medicationID := fs.String("medication", "", "medication id")
	date := fs.String("date", "", "day to record (YYYY-MM-DD, default today)")
	taken := fs.Bool("taken", true, "whether the dose was taken")
	if err := fs.Parse(args); err != nil {
		return err
	}
	day, err := a.dayFlag(*date)
	if err != nil {
		return err
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	log, err := a.c.medications.SetTaken(ctx, *medicationID, day, *taken)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s: %s (log %s)\n", log.MedicationID, log.Date, takenLabel(log.Taken), log.ID)
	return nil
}

func (a *cli) proof(ctx context.Context, args []string) error {
	fs := a.flagSet(CommandProof)
	medicationID := fs.String("medication", "", "medication id")
	date := fs.String("date", "", "day of the log (YYYY-MM-DD, default today)")
	file := fs.String("file", "", "photo to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	day, err := a.dayFlag(*date)
	if err != nil {
		return err
	}
	if *file == "" {
		return model.NewValidationError("-file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read proof file: %w", err)
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	log, err := a.c.medications.BindProof(ctx, *medicationID, day, model.ProofArtifact{
		Filename:    filepath.Base(*file),
		ContentType: http.DetectContentType(data),
		Data:        data,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s: proof %s (log %s)\n", log.MedicationID, log.Date, log.ProofPhotoRef, log.ID)
	return nil
}

func (a *cli) summary(ctx context.Context) error {
	if _, err := a.restore(ctx); err != nil {
		return err
	}
	meds, err := a.c.medications.List(ctx)
	if err != nil {
		return err
	}
	s := adherence.Summarize(meds)
	for i, m := range meds {
		ms := s.Medications[i]
		fmt.Fprintf(a.out, "%s\t%s %s, %s\t%s (%d/%d)\n",
			m.ID, m.Name, m.Dosage, m.Frequency, adherence.Format(ms.Percent), ms.Taken, ms.Attempts)
	}
	fmt.Fprintf(a.out, "overall\t%s (%d logs)\n", adherence.Format(s.Overall), s.Attempts)
	return nil
}

// serve はセッションを復元してリアルタイム接続を開始し、ctxがキャンセルされるまでステータスAPIを提供する。
// 保存済みのセッションがない場合も起動し、ステータスAPIは未認証として応答する。
func (a *cli) serve(ctx context.Context) error {
	log := a.c.logger
	s, err := a.c.sessions.Restore(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		log.Info("no persisted session; run `medsync login` to sign in")
	}

	unsubscribe := a.c.cache.Subscribe(func(key cache.Key) {
		log.Info("medications changed", slog.String("key", key.String()))
	})
	defer unsubscribe()

	server := newStatusServer(a.c)
	errCh := make(chan error, 1)
	go func() {
		log.Info("status API starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("status API failed: %w", err)
	}

	log.Info("shutting down status API...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("status API stopped gracefully")
	return nil
}

func takenLabel(taken bool) string {
	if taken {
		return "taken"
	}
	return "not taken"
}
