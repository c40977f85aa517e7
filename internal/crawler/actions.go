package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// These methods are the only page capabilities exposed to executed scripts.
// Each waits for its target through the caller's context, so a missing
// selector surfaces as a deadline error rather than a hang.

// Click clicks the element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Type replaces the content of the matching input with text.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text %s: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Hover moves the pointer over the matching element.
func (s *Session) Hover(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("hover %s: %w", selector, err)
	}
	return nil
}

// Scroll scrolls the viewport by (x, y) pixels.
func (s *Session) Scroll(ctx context.Context, x, y int) error {
	page := s.page.Context(ctx)
	if err := page.Mouse.Scroll(float64(x), float64(y), 10); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// WaitFor blocks until the matching element is visible.
func (s *Session) WaitFor(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

// Text returns the visible text of the matching element.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	el, err := s.element(ctx, selector)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read text %s: %w", selector, err)
	}
	return text, nil
}

// Select picks the option whose text matches value.
func (s *Session) Select(ctx context.Context, selector, value string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("select %q in %s: %w", value, selector, err)
	}
	return nil
}

// Sleep pauses for d or until ctx is done.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return el, nil
}
