package ncmec

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"tipline/core/content"
	"tipline/core/store"
)

// Builder assembles submission documents from case material. It holds the
// platform-level constants so call sites only supply the per-case data.
type Builder struct {
	PlatformName string
	ContactEmail string
}

// Subject is one reported account with everything the submission cites
// about it.
type Subject struct {
	User     *store.User
	IPEvents []store.UserIPEvent
	Accounts []store.ConnectedAccount
	Items    []content.Item
}

// CaseInput carries the case-level pieces of a submission.
type CaseInput struct {
	Case     *store.CaseFile
	Reporter *store.Person
	Contact  *store.Person
	// Reported is set on collapsed cases where the subject's real identity
	// is known; the accounts then all belong to this one person.
	Reported *store.Person
}

const incidentTimeLayout = "2006-01-02T15:04:05Z"

// BuildReport produces the submission document. With a known reported person
// the document opens with that identity and appends every account as a
// further reported-user section; otherwise each subject stands alone and the
// caller submits one document per subject.
func (b *Builder) BuildReport(in CaseInput, subjects []Subject) *Report {
	r := &Report{
		IncidentSummary: IncidentSummary{
			IncidentType:     in.Case.IncidentType,
			IncidentDateTime: in.Case.CreatedAt.UTC().Format(incidentTimeLayout),
		},
		Reporter: Reporter{
			ReportingPerson: personDetails(in.Reporter, b.ContactEmail),
			ContactPerson:   personDetails(in.Contact, b.ContactEmail),
		},
	}
	if in.Case.Notes != "" {
		r.AdditionalInfo = in.Case.Notes
	}

	if in.Reported != nil {
		r.PersonOrUserReported = append(r.PersonOrUserReported, PersonOrUserReported{
			PersonDetails: personDetails(in.Reported, ""),
		})
	}

	// one url per evidentiary page: the content items first, then the
	// subjects' profile pages
	seen := make(map[string]bool)
	var urls []string
	addURL := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	for i := range subjects {
		section := b.subjectSection(&subjects[i])
		r.PersonOrUserReported = append(r.PersonOrUserReported, section)
		for j := range subjects[i].Items {
			addURL(subjects[i].Items[j].URL)
		}
	}
	for i := range subjects {
		if subjects[i].User != nil {
			addURL(subjects[i].User.ProfileURL)
		}
	}
	if len(urls) > 0 {
		r.InternetDetails = &InternetDetails{WebPageIncident: &WebPageIncident{URL: urls}}
	}
	return r
}

func (b *Builder) subjectSection(sub *Subject) PersonOrUserReported {
	section := PersonOrUserReported{}
	if u := sub.User; u != nil {
		section.EspIdentifier = fmt.Sprintf("%s user %d", b.PlatformName, u.ID)
		section.ScreenName = u.Username
		section.DisplayName = u.DisplayName
		section.ProfileURL = u.ProfileURL
		if u.IsBanned {
			section.AccountDisabled = AccountDisabledTemporary
			if u.BanPermanent {
				section.AccountDisabled = AccountDisabledPermanent
			}
		}
		if u.Email != "" {
			section.PersonDetails = &PersonDetails{Email: []string{u.Email}}
		}
	}
	section.IPCaptureEvent = captureEvents(sub)
	section.AdditionalInfo = subjectInfo(sub)
	return section
}

// captureEvents folds the observed addresses into the intake vocabulary,
// deduplicated on (address, event). The last-known address is kept even if
// it never appeared in the event trail.
func captureEvents(sub *Subject) []IPCaptureEvent {
	seen := make(map[string]bool)
	var events []IPCaptureEvent
	add := func(ip, event string, at time.Time) {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			return
		}
		key := ip + "|" + event
		if seen[key] {
			return
		}
		seen[key] = true
		e := IPCaptureEvent{IPAddress: ip, EventName: event}
		if !at.IsZero() {
			e.DateTime = at.UTC().Format(incidentTimeLayout)
		}
		events = append(events, e)
	}
	for _, ev := range sub.IPEvents {
		add(ev.IP, eventName(ev.Action), ev.CapturedAt)
	}
	if sub.User != nil {
		add(sub.User.LastKnownIP, EventOther, time.Time{})
	}
	return events
}

func eventName(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "registration", "register", "signup":
		return EventRegistration
	case "login", "signin":
		return EventLogin
	case "upload":
		return EventUpload
	default:
		return EventOther
	}
}

func subjectInfo(sub *Subject) string {
	var lines []string
	if sub.User != nil {
		if sub.User.About != "" {
			lines = append(lines, "About: "+sub.User.About)
		}
		if sub.User.RegisteredAt != nil {
			lines = append(lines, "Registered: "+sub.User.RegisteredAt.UTC().Format(incidentTimeLayout))
		}
	}
	for _, acc := range sub.Accounts {
		lines = append(lines, fmt.Sprintf("Connected account: %s %s", acc.Provider, acc.Handle))
	}
	for i := range sub.Items {
		item := &sub.Items[i]
		line := fmt.Sprintf("%s %d (%s)", item.Kind, item.ID, item.CreatedAt.UTC().Format(incidentTimeLayout))
		if item.Title != "" {
			line += ": " + item.Title
		}
		if item.Body != "" {
			line += ": " + excerpt(item.Body, 500)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// BuildFileDetails produces the supplemental document sent after a binary
// upload.
func (b *Builder) BuildFileDetails(reportID int64, fileID string, f *store.ReportFile, blob *store.AttachmentData) *FileDetails {
	fd := &FileDetails{
		ReportID:         reportID,
		FileID:           fileID,
		OriginalFileName: f.OriginalFilename,
	}
	if f.IP != "" {
		fd.IPCaptureEvent = &IPCaptureEvent{IPAddress: f.IP, EventName: EventUpload}
	}
	if blob != nil {
		if !blob.UploadedAt.IsZero() {
			fd.Details = append(fd.Details, NameValuePair{Name: "uploadedAt", Value: blob.UploadedAt.UTC().Format(incidentTimeLayout)})
		}
		if blob.ContentKind != "" {
			fd.Details = append(fd.Details, NameValuePair{Name: "attachedTo", Value: fmt.Sprintf("%s %d", blob.ContentKind, blob.ContentID)})
		}
		if blob.IncidentCount > 1 {
			fd.Details = append(fd.Details, NameValuePair{Name: "incidentCount", Value: fmt.Sprintf("%d", blob.IncidentCount)})
		}
	}
	return fd
}

func personDetails(p *store.Person, fallbackEmail string) *PersonDetails {
	if p == nil {
		if fallbackEmail == "" {
			return nil
		}
		return &PersonDetails{Email: []string{fallbackEmail}}
	}
	d := &PersonDetails{
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Email:       p.Emails,
		Phone:       p.Phones,
		Age:         p.Age,
		DateOfBirth: p.BirthDate,
	}
	if len(d.Email) == 0 && fallbackEmail != "" {
		d.Email = []string{fallbackEmail}
	}
	if p.AddressLine != "" || p.City != "" || p.Country != "" {
		d.Address = &Address{
			AddressLine: p.AddressLine,
			City:        p.City,
			State:       p.Region,
			ZipCode:     p.PostalCode,
			Country:     p.Country,
		}
	}
	return d
}

// Marshal renders a document with the XML header the intake service expects.
func Marshal(doc any) ([]byte, error) {
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), raw...), nil
}
