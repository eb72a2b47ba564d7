package toccata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/epaperframe/toccata/toc"
)

// maxListPages caps a single refresh so a runaway pagination loop
// cannot drain the request quota.
const maxListPages = 50

// A Sink receives listing entries as they are parsed off the wire.
type Sink interface {
	Append(file toc.File) error
}

type driveItem struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime string
}

// listFiles walks the folder listing page by page, streaming matching
// entries into the sink. It returns the number of entries accepted.
func (fetch *fetcher) listFiles(folderID string, pageSize int, allowed []string, sink Sink) (int, error) {
	var total int
	var pageToken string

	for page := 0; page < maxListPages; page++ {
		res, err := fetch.withAuth(listPath(folderID, pageSize, pageToken))
		if err != nil {
			return total, err
		}

		accepted, nextToken, err := parseFileList(res.Body(), allowed, sink)
		res.Close()
		if err != nil {
			return total, err
		}

		total += accepted

		fetch.log.Debug().
			Int("page", page).
			Int("accepted", accepted).
			Bool("more", nextToken != "").
			Msg("listing page parsed")

		if nextToken == "" {
			return total, nil
		}

		pageToken = nextToken
	}

	fetch.log.Warn().
		Int("pages", maxListPages).
		Msg("listing page cap reached, truncating")

	return total, nil
}

func listPath(folderID string, pageSize int, pageToken string) string {
	query := url.Values{
		"q":        {"'" + folderID + "' in parents"},
		"fields":   {"nextPageToken,files(id,name,mimeType,modifiedTime)"},
		"orderBy":  {"modifiedTime"},
		"pageSize": {strconv.Itoa(pageSize)},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	return "/drive/v3/files?" + query.Encode()
}

// parseFileList decodes one listing page, forwarding entries with an
// allowed extension to the sink. The files array is walked with a
// streaming decoder so a page never has to fit in memory at once.
func parseFileList(r io.Reader, allowed []string, sink Sink) (int, string, error) {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return 0, "", err
	}

	var accepted int
	var nextToken string

	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return accepted, "", fmt.Errorf("listing: %v: %w", err, ErrNetwork)
		}

		key, _ := keyToken.(string)

		switch key {
		case "files":
			if err := expectDelim(dec, '['); err != nil {
				return accepted, "", err
			}

			for dec.More() {
				var item driveItem
				if err := dec.Decode(&item); err != nil {
					return accepted, "", fmt.Errorf("listing entry: %v: %w", err, ErrNetwork)
				}

				if item.ID == "" || item.Name == "" || !extensionAllowed(item.Name, allowed) {
					continue
				}

				err := sink.Append(toc.File{
					ID:           item.ID,
					Name:         item.Name,
					MimeType:     item.MimeType,
					ModifiedTime: item.ModifiedTime,
				})
				if err != nil {
					return accepted, "", err
				}

				accepted++
			}

			if err := expectDelim(dec, ']'); err != nil {
				return accepted, "", err
			}

		case "nextPageToken":
			valueToken, err := dec.Token()
			if err != nil {
				return accepted, "", fmt.Errorf("page token: %v: %w", err, ErrNetwork)
			}
			nextToken, _ = valueToken.(string)

		default:
			// any other key is skipped wholesale
			var ignored json.RawMessage
			if err := dec.Decode(&ignored); err != nil {
				return accepted, "", fmt.Errorf("listing: %v: %w", err, ErrNetwork)
			}
		}
	}

	return accepted, nextToken, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	token, err := dec.Token()
	if err != nil {
		return fmt.Errorf("listing: %v: %w", err, ErrNetwork)
	}

	if delim, ok := token.(json.Delim); !ok || delim != want {
		return fmt.Errorf("listing: unexpected token %v: %w", token, ErrNetwork)
	}

	return nil
}

func extensionAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	ext := path.Ext(name)
	for _, candidate := range allowed {
		if strings.EqualFold(ext, candidate) {
			return true
		}
	}

	return false
}
