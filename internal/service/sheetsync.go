package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"license-server/internal/model"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetSync exports license state rows to a Google Sheet after activation
// state changes. Best effort: callers run it in the background and failures
// are logged, never surfaced to clients.
type SheetSync struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetSync builds the sync service from a service-account credential
// file. Returns nil when sync is disabled.
func NewSheetSync(enabled bool, credentialPath, spreadsheetID, sheetName string) (*SheetSync, error) {
	if !enabled {
		return nil, nil
	}

	ctx := context.Background()

	b, err := os.ReadFile(credentialPath)
	if err != nil {
		return nil, err
	}

	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("load sheet credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}

	return &SheetSync{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

// SyncLicense writes one license row, keyed by the plaintext license key in
// column A: updates the existing row or appends a new one.
func (s *SheetSync) SyncLicense(key string, lic *model.License, state string) error {
	if s == nil {
		return nil
	}

	searchRange := fmt.Sprintf("%s!A2:A", s.sheetName)
	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, searchRange).Do()
	if err != nil {
		log.Printf("sheet sync: lookup failed: %v", err)
		return err
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && row[0] == key {
			rowIndex = i + 2 // data starts at A2
			break
		}
	}

	values := [][]any{{
		key,
		state,
		lic.ExpiresAt,
		lic.ProductID,
		lic.OrderID,
		lic.TimesActivated,
		lic.TimesActivatedMax,
		time.Now().UTC().Format(time.RFC3339),
	}}

	if rowIndex > 0 {
		updateRange := fmt.Sprintf("%s!A%d:H%d", s.sheetName, rowIndex, rowIndex)
		_, err = s.service.Spreadsheets.Values.Update(
			s.spreadsheetID,
			updateRange,
			&sheets.ValueRange{Values: values},
		).ValueInputOption("USER_ENTERED").Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(
			s.spreadsheetID,
			s.sheetName+"!A2:H",
			&sheets.ValueRange{Values: values},
		).ValueInputOption("USER_ENTERED").Do()
	}

	if err != nil {
		log.Printf("sheet sync: write failed: %v", err)
		return err
	}
	return nil
}
