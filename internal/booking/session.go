package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	blankPath    = "/terminvereinbarung/termin/blank.png"
	registerPath = "/terminvereinbarung/termin/register/"
	abortPath    = "/terminvereinbarung/termin/abort/"
	managePath   = "/terminvereinbarung/termin/manage/"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type Applicant struct {
	Name  string
	Email string
}

// Result is the outcome of a successful claim. Metadata carries the
// offering details scraped from the claim page plus the confirmed
// name/mail from the summary.
type Result struct {
	ProcessID string
	AuthKey   string
	Metadata  map[string]string
	DryRun    bool
}

// Service books appointments on one scheduling site. Every Book call runs
// a full calendar traversal in a fresh session, so slot availability is
// always observed live.
type Service struct {
	base   string
	dryRun bool
}

// NewService returns a booking service for the site at baseURL. With
// dryRun set, traversal and claim-page navigation run unchanged but the
// final submission is replaced by an abort, releasing the slot.
func NewService(baseURL string, dryRun bool) *Service {
	return &Service{base: strings.TrimRight(baseURL, "/"), dryRun: dryRun}
}

// ManageURL is where an applicant can change or cancel a booked
// appointment using process id and auth key.
func (s *Service) ManageURL() string { return s.base + managePath }

// Book walks the target's calendar and claims the first free slot for the
// applicant. It returns nil, nil when the traversal finishes without an
// open slot.
func (s *Service) Book(ctx context.Context, target string, applicant Applicant) (*Result, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	sess := &session{
		hc:     &http.Client{Timeout: 20 * time.Second, Jar: jar},
		base:   s.base,
		dryRun: s.dryRun,
		log:    log.With().Str("target", target).Logger(),
	}
	return sess.book(ctx, strings.TrimPrefix(target, s.base), applicant)
}

// session holds the per-traversal HTTP state. The remote site ties a
// claim to the cookie session and checks referrer plausibility, so a
// session must never be shared between concurrent traversals.
type session struct {
	hc     *http.Client
	base   string
	dryRun bool
	log    zerolog.Logger
}

// pageState is the navigation context threaded through fetches. The
// referrer of the last loaded page is sent on the next request; day-level
// navigation works on a copy so it cannot leak into the calendar scope.
type pageState struct {
	referrer string
}

func (s *session) book(ctx context.Context, startPath string, applicant Applicant) (*Result, error) {
	st := &pageState{}

	doc, err := s.fetch(ctx, st, startPath)
	if err != nil {
		return nil, err
	}
	s.offeringDetails(doc.Find("div.zms"), 2)

	checked := map[string]bool{}
	for {
		months := doc.Find("div.calendar-month-table")
		for i := 0; i < months.Length(); i++ {
			month := months.Eq(i)
			name := strings.TrimSpace(month.Find("th.month").First().Text())
			if checked[name] {
				s.log.Debug().Str("month", name).Msg("month already checked, skipping")
				continue
			}

			var dayLinks []string
			month.Find("td.buchbar a").Each(func(_ int, a *goquery.Selection) {
				if href, ok := a.Attr("href"); ok {
					dayLinks = append(dayLinks, href)
				}
			})
			s.log.Debug().Str("month", name).Int("days", len(dayLinks)).Msg("found bookable days")

			for _, dayPath := range dayLinks {
				// day navigation gets its own referrer scope
				dayState := *st
				res, err := s.bookDay(ctx, &dayState, dayPath, applicant)
				if err != nil {
					return nil, err
				}
				if res != nil {
					return res, nil
				}
			}
			checked[name] = true
		}

		next, ok := doc.Find("th.next a").First().Attr("href")
		if !ok {
			break
		}
		doc, err = s.fetch(ctx, st, next)
		if err != nil {
			return nil, err
		}
	}

	s.log.Debug().Msg("no more days with free appointments")
	return nil, nil
}

// bookDay enumerates the free slots of one day page and attempts to claim
// them in order. A missing timetable is not an error, the day just yields
// nothing.
func (s *session) bookDay(ctx context.Context, st *pageState, dayPath string, applicant Applicant) (*Result, error) {
	doc, err := s.fetch(ctx, st, dayPath)
	if err != nil {
		return nil, err
	}

	timetable := doc.Find("div.timetable")
	if timetable.Length() == 0 {
		s.log.Warn().Str("day", dayPath).Msg("no timetable found")
		return nil, nil
	}

	rows := timetable.Find("tr")
	for i := 0; i < rows.Length(); i++ {
		row := rows.Eq(i)
		head := row.Find("th.buchbar")
		if head.Length() == 0 {
			continue
		}
		s.log.Debug().Str("slot", strings.TrimSpace(head.Text())).Msg("found free timeslot")

		slotPath, ok := row.Find("td.frei a").First().Attr("href")
		if !ok {
			s.log.Warn().Str("day", dayPath).Msg("free slot without booking link")
			continue
		}

		res, err := s.claim(ctx, st, slotPath, applicant)
		if err != nil {
			var ce *ClaimError
			if errors.As(err, &ce) {
				s.log.Warn().Str("slot", slotPath).Str("reason", ce.Reason).Msg("claim attempt failed")
				continue
			}
			return nil, err
		}
		return res, nil
	}
	return nil, nil
}

// claim visits the claim page for one slot and submits the applicant's
// details. Every failure path releases the remote reservation lock with
// exactly one abort call.
func (s *session) claim(ctx context.Context, st *pageState, slotPath string, applicant Applicant) (*Result, error) {
	doc, err := s.fetch(ctx, st, slotPath)
	if err != nil {
		return nil, err
	}

	zms := doc.Find("div.zms")
	meta := s.offeringDetails(zms, 4)

	token, ok := zms.Find("input#process").First().Attr("value")
	if !ok {
		s.abort(ctx, st)
		return nil, &ClaimError{Reason: "no process token on claim page"}
	}

	form := url.Values{}
	form.Set("familyName", applicant.Name)
	form.Set("email", applicant.Email)
	form.Set("form_validate", "1")
	form.Set("agbgelesen", "1")
	form.Set("process", token)

	if s.dryRun {
		s.log.Warn().Msg("dry run, releasing slot instead of submitting")
		s.abort(ctx, st)
		return &Result{Metadata: meta, DryRun: true}, nil
	}

	// The submission must not be interrupted mid-flight; a half-cancelled
	// claim leaves the remote reservation in an ambiguous state.
	confirm, err := s.submit(context.WithoutCancel(ctx), st, form)
	if err != nil {
		s.abort(ctx, st)
		return nil, err
	}

	if confirm.Find("div.submit-success-message").Length() == 0 {
		s.abort(ctx, st)
		return nil, &ClaimError{Reason: "no success marker after submission"}
	}

	res := &Result{Metadata: meta}
	res.ProcessID = summaryField(confirm, "processId")
	res.AuthKey = summaryField(confirm, "authKey")
	res.Metadata["name"] = summaryField(confirm, "name")
	res.Metadata["mail"] = summaryField(confirm, "mail")

	s.log.Info().Str("process_id", res.ProcessID).Msg("appointment booked")
	return res, nil
}

func (s *session) submit(ctx context.Context, st *pageState, form url.Values) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+registerPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ClaimError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.decorate(req, st)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, &ClaimError{Reason: "submission failed: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClaimError{Reason: "submission rejected", Status: resp.StatusCode}
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &ClaimError{Reason: "unreadable confirmation page"}
	}
	return doc, nil
}

// fetch loads one page, records its final URL as the next referrer and
// requests the site's tracking pixel, mirroring what a browser session
// looks like to the remote anti-bot checks.
func (s *session) fetch(ctx context.Context, st *pageState, path string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}
	s.decorate(req, st)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Path: path, Status: resp.StatusCode}
	}
	st.referrer = resp.Request.URL.String()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.log.Debug().Str("path", path).Msg("page loaded")

	s.beacon(ctx, st)
	return doc, nil
}

func (s *session) beacon(ctx context.Context, st *pageState) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+blankPath, nil)
	if err != nil {
		return
	}
	s.decorate(req, st)
	resp, err := s.hc.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Msg("beacon request failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// abort tells the remote site to release the reservation lock held by
// this session. Best effort: shutdown must not leak a reserved slot, so
// the call survives context cancellation.
func (s *session) abort(ctx context.Context, st *pageState) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, s.base+abortPath, nil)
	if err != nil {
		return
	}
	s.decorate(req, st)
	resp, err := s.hc.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("abort request failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	s.log.Debug().Msg("reservation aborted")
}

func (s *session) decorate(req *http.Request, st *pageState) {
	req.Header.Set("User-Agent", userAgent)
	if st.referrer != "" {
		req.Header.Set("Referer", st.referrer)
	}
}

// offeringDetails reads up to depth collapsible title/description pairs
// from a page, the same blocks the site shows a human about the offering.
func (s *session) offeringDetails(zms *goquery.Selection, depth int) map[string]string {
	meta := map[string]string{}
	groups := zms.Find("div.collapsible-toggle")
	for i := 0; i < groups.Length() && i < depth; i++ {
		group := groups.Eq(i)
		title := strings.TrimSpace(group.Find("div.collapsible-title").First().Text())
		desc := firstLine(group.Find("div.collapsible-description").First().Text())
		if title == "" || desc == "" {
			break
		}
		s.log.Debug().Str("title", title).Str("value", desc).Msg("offering detail")
		meta[title] = desc
	}
	return meta
}

func summaryField(doc *goquery.Document, key string) string {
	return strings.TrimSpace(doc.Find("span.summary_" + key).First().Text())
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
