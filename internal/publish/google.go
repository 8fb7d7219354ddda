package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dunamismax/metricflow/internal/domain"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// GoogleSheets talks to the Sheets and Drive APIs with a service account.
type GoogleSheets struct {
	sheets *sheets.Service
	drive  *drive.Service
}

func NewGoogleSheets(ctx context.Context, credentialsFile string) (*GoogleSheets, error) {
	if strings.TrimSpace(credentialsFile) == "" {
		return nil, fmt.Errorf("%w: credentials file is required", domain.ErrConfiguration)
	}
	if _, err := os.Stat(credentialsFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: credentials file %s does not exist", domain.ErrConfiguration, credentialsFile)
		}
		return nil, fmt.Errorf("stat credentials file: %w", err)
	}

	opts := []option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope, drive.DriveReadonlyScope),
	}

	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &GoogleSheets{sheets: sheetsSvc, drive: driveSvc}, nil
}

func (g *GoogleSheets) FindSpreadsheet(ctx context.Context, name string) (string, error) {
	res, err := g.drive.Files.List().
		Q(spreadsheetQuery(name)).
		Fields("files(id, name)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("search drive: %w", err)
	}
	if len(res.Files) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSpreadsheetNotFound, name)
	}
	return res.Files[0].Id, nil
}

// driveLiteral escapes backslashes and quotes for a Drive query string.
var driveLiteral = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func spreadsheetQuery(name string) string {
	return fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		driveLiteral.Replace(name), spreadsheetMimeType)
}

func (g *GoogleSheets) WorksheetTitle(ctx context.Context, spreadsheetID string, index int) (string, error) {
	ss, err := g.sheets.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("get spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Index == int64(index) {
			return sh.Properties.Title, nil
		}
	}
	return "", fmt.Errorf("%w: index %d", ErrWorksheetNotFound, index)
}

func (g *GoogleSheets) ClearWorksheet(ctx context.Context, spreadsheetID, title string) error {
	_, err := g.sheets.Spreadsheets.Values.
		Clear(spreadsheetID, quoteSheetTitle(title), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	return err
}

func (g *GoogleSheets) WriteRange(ctx context.Context, spreadsheetID, a1Range string, values [][]any) error {
	_, err := g.sheets.Spreadsheets.Values.
		Update(spreadsheetID, a1Range, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}
