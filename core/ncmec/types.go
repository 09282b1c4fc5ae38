package ncmec

import "encoding/xml"

// Report is the CyberTipline submission document. The element layout follows
// the intake schema; empty optional sections are dropped from the output so
// the document stays schema-valid.
type Report struct {
	XMLName              xml.Name               `xml:"report"`
	IncidentSummary      IncidentSummary        `xml:"incidentSummary"`
	InternetDetails      *InternetDetails       `xml:"internetDetails,omitempty"`
	Reporter             Reporter               `xml:"reporter"`
	PersonOrUserReported []PersonOrUserReported `xml:"personOrUserReported"`
	AdditionalInfo       string                 `xml:"additionalInfo,omitempty"`
}

type IncidentSummary struct {
	IncidentType     string `xml:"incidentType"`
	IncidentDateTime string `xml:"incidentDateTime"`
}

type InternetDetails struct {
	WebPageIncident *WebPageIncident `xml:"webPageIncident,omitempty"`
}

type WebPageIncident struct {
	URL []string `xml:"url"`
}

type Reporter struct {
	ReportingPerson *PersonDetails `xml:"reportingPerson,omitempty"`
	ContactPerson   *PersonDetails `xml:"contactPerson,omitempty"`
	CompanyTemplate string         `xml:"companyTemplateVariables,omitempty"`
}

type PersonDetails struct {
	FirstName   string   `xml:"firstName,omitempty"`
	LastName    string   `xml:"lastName,omitempty"`
	Email       []string `xml:"email,omitempty"`
	Phone       []string `xml:"phone,omitempty"`
	Address     *Address `xml:"address,omitempty"`
	Age         int      `xml:"age,omitempty"`
	DateOfBirth string   `xml:"dateOfBirth,omitempty"`
}

type Address struct {
	AddressLine string `xml:"address,omitempty"`
	City        string `xml:"city,omitempty"`
	State       string `xml:"state,omitempty"`
	ZipCode     string `xml:"zipCode,omitempty"`
	Country     string `xml:"country,omitempty"`
}

type PersonOrUserReported struct {
	PersonDetails   *PersonDetails   `xml:"personOrUserReportedPerson,omitempty"`
	EspIdentifier   string           `xml:"espIdentifier,omitempty"`
	ScreenName      string           `xml:"screenName,omitempty"`
	DisplayName     string           `xml:"displayName,omitempty"`
	ProfileURL      string           `xml:"profileUrl,omitempty"`
	AccountDisabled string           `xml:"accountDisabled,omitempty"`
	IPCaptureEvent  []IPCaptureEvent `xml:"ipCaptureEvent,omitempty"`
	AdditionalInfo  string           `xml:"additionalInfo,omitempty"`
}

const (
	AccountDisabledPermanent = "permanent"
	AccountDisabledTemporary = "temporary"
)

// IPCaptureEvent names one observed address. EventName uses the intake
// vocabulary: Registration, Login, Upload or Other.
type IPCaptureEvent struct {
	IPAddress string `xml:"ipAddress"`
	EventName string `xml:"eventName"`
	DateTime  string `xml:"dateTime,omitempty"`
}

const (
	EventRegistration = "Registration"
	EventLogin        = "Login"
	EventUpload       = "Upload"
	EventOther        = "Other"
)

// FileDetails supplements one uploaded file after the binary is in.
type FileDetails struct {
	XMLName          xml.Name        `xml:"fileDetails"`
	ReportID         int64           `xml:"reportId"`
	FileID           string          `xml:"fileId"`
	OriginalFileName string          `xml:"originalFileName,omitempty"`
	IPCaptureEvent   *IPCaptureEvent `xml:"ipCaptureEvent,omitempty"`
	Details          []NameValuePair `xml:"details>nameValuePair,omitempty"`
	AdditionalInfo   string          `xml:"additionalInfo,omitempty"`
}

type NameValuePair struct {
	Name  string `xml:"name"`
	Value string `xml:"value"`
}

// ReportResponse is the envelope every intake endpoint answers with.
// ResponseCode zero means accepted; anything else carries the refusal in
// ResponseDescription.
type ReportResponse struct {
	XMLName             xml.Name `xml:"reportResponse"`
	ResponseCode        int      `xml:"responseCode"`
	ResponseDescription string   `xml:"responseDescription"`
	ReportID            int64    `xml:"reportId"`
}

type UploadResponse struct {
	XMLName             xml.Name `xml:"uploadResponse"`
	ResponseCode        int      `xml:"responseCode"`
	ResponseDescription string   `xml:"responseDescription"`
	ReportID            int64    `xml:"reportId"`
	FileID              string   `xml:"fileId"`
	Hash                string   `xml:"hash"`
}
