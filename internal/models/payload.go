package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

const (
	StatoDraft     = "Bozza"
	StatoConfirmed = "Confermata"
	StatoCancelled = "Cancellata"

	DefaultCurrency = "EUR"
)

var fold = cases.Fold()

// ValidationError is returned for booking requests that must never enter the saga
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Passenger struct {
	FirstName string `json:"Nome" binding:"required"`
	LastName  string `json:"Cognome" binding:"required"`
	BirthDate string `json:"Data_Nascita,omitempty"`
	Document  string `json:"Documento,omitempty"`
	Note      string `json:"Note,omitempty"`
}

// BookingRequest is the inbound webhook body. Pointers mark optional fields
// whose absence changes the defaults applied by NewBookingPayload.
type BookingRequest struct {
	ID           uuid.UUID        `json:"Id" binding:"required"`
	FlightID     *uuid.UUID       `json:"Partenza_Sync_Id"`
	DepartureRef string           `json:"Partenza_Id"`
	DocStatus    *int             `json:"DocStatus"`
	Stato        string           `json:"Stato"`
	Channel      string           `json:"Canale" binding:"required"`
	Seats        *int             `json:"Posti"`
	Amount       *decimal.Decimal `json:"Importo_Totale" binding:"required"`
	Currency     string           `json:"Valuta"`
	DocName      string           `json:"DocName"`
	Note         string           `json:"Note"`
	Group        string           `json:"Gruppo"`
	Passengers   []Passenger      `json:"Passeggeri" binding:"omitempty,dive"`
}

// BookingPayload is the validated booking, also the ERP upsert request body
type BookingPayload struct {
	ID           uuid.UUID       `json:"Id"`
	FlightID     uuid.UUID       `json:"Partenza_Sync_Id"`
	DepartureRef string          `json:"Partenza_Id,omitempty"`
	DocStatus    int             `json:"DocStatus"`
	Stato        string          `json:"Stato"`
	Channel      Channel         `json:"Canale"`
	Seats        int             `json:"Posti"`
	Amount       decimal.Decimal `json:"Importo_Totale"`
	Currency     string          `json:"Valuta"`
	DocName      string          `json:"DocName,omitempty"`
	Note         string          `json:"Note,omitempty"`
	Group        string          `json:"Gruppo,omitempty"`
	Passengers   []Passenger     `json:"Passeggeri"`
}

// NewBookingPayload validates the request and applies defaults.
// DocStatus and Stato are cross-checked: either one derives the other, and
// when both are present they must agree.
func NewBookingPayload(req BookingRequest) (BookingPayload, error) {
	if req.ID == uuid.Nil {
		return BookingPayload{}, &ValidationError{Field: "Id", Reason: "is required"}
	}
	if req.FlightID == nil || *req.FlightID == uuid.Nil {
		return BookingPayload{}, &ValidationError{Field: "Partenza_Sync_Id", Reason: "is required"}
	}
	if req.Amount == nil || !req.Amount.IsPositive() {
		return BookingPayload{}, &ValidationError{Field: "Importo_Totale", Reason: "must be greater than zero"}
	}

	channel, err := NormalizeChannel(req.Channel)
	if err != nil {
		return BookingPayload{}, err
	}

	passengers := req.Passengers
	if passengers == nil {
		passengers = []Passenger{}
	}
	seats := len(passengers)
	if req.Seats != nil {
		seats = *req.Seats
	}
	if seats <= 0 {
		return BookingPayload{}, &ValidationError{Field: "Posti", Reason: "must be greater than zero"}
	}

	docStatus, stato, err := reconcileDocStatus(req.DocStatus, req.Stato)
	if err != nil {
		return BookingPayload{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	return BookingPayload{
		ID:           req.ID,
		FlightID:     *req.FlightID,
		DepartureRef: strings.TrimSpace(req.DepartureRef),
		DocStatus:    docStatus,
		Stato:        stato,
		Channel:      channel,
		Seats:        seats,
		Amount:       req.Amount.Round(2),
		Currency:     currency,
		DocName:      req.DocName,
		Note:         req.Note,
		Group:        req.Group,
		Passengers:   passengers,
	}, nil
}

// NormalizeChannel maps the free-form channel to Online or Agenzia
func NormalizeChannel(raw string) (Channel, error) {
	switch fold.String(strings.TrimSpace(raw)) {
	case "online":
		return ChannelOnline, nil
	case "agenzia", "agency":
		return ChannelAgency, nil
	case "":
		return "", &ValidationError{Field: "Canale", Reason: "is required"}
	default:
		return "", &ValidationError{Field: "Canale", Reason: "must be Online or Agenzia"}
	}
}

// StatoForDocStatus maps an ERP docstatus to the booking Stato label
func StatoForDocStatus(docStatus int) string {
	switch docStatus {
	case 1:
		return StatoConfirmed
	case 2:
		return StatoCancelled
	default:
		return StatoDraft
	}
}

func docStatusForStato(raw string) (int, string, bool) {
	switch fold.String(strings.TrimSpace(raw)) {
	case "bozza":
		return 0, StatoDraft, true
	case "confermata":
		return 1, StatoConfirmed, true
	case "cancellata":
		return 2, StatoCancelled, true
	}
	return 0, "", false
}

func reconcileDocStatus(docStatus *int, rawStato string) (int, string, error) {
	hasStato := strings.TrimSpace(rawStato) != ""

	if docStatus != nil && (*docStatus < 0 || *docStatus > 2) {
		return 0, "", &ValidationError{Field: "DocStatus", Reason: "must be 0, 1 or 2"}
	}

	var fromStato int
	var stato string
	if hasStato {
		var ok bool
		fromStato, stato, ok = docStatusForStato(rawStato)
		if !ok {
			return 0, "", &ValidationError{Field: "Stato", Reason: "must be Bozza, Confermata or Cancellata"}
		}
	}

	switch {
	case docStatus != nil && hasStato:
		if *docStatus != fromStato {
			return 0, "", &ValidationError{Field: "Stato", Reason: fmt.Sprintf("%s does not match DocStatus %d", stato, *docStatus)}
		}
		return fromStato, stato, nil
	case docStatus != nil:
		return *docStatus, StatoForDocStatus(*docStatus), nil
	case hasStato:
		return fromStato, stato, nil
	default:
		return 0, StatoDraft, nil
	}
}
