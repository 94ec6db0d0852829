package jobs

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// DirectoryClient searches a directory service. The wire protocol lives behind it.
type DirectoryClient interface {
	SearchUsers(ctx context.Context, baseDN, filter string) ([]UserRecord, error)
}

type DirectoryStrategy struct {
	client DirectoryClient
	sink   *UserSink
	baseDN string
	filter string
}

func NewDirectoryStrategy(client DirectoryClient, sink *UserSink, cfg domain.SyncConfig) *DirectoryStrategy {
	filter := cfg.Settings["filter"]
	if filter == "" {
		filter = "(objectClass=person)"
	}
	return &DirectoryStrategy{client: client, sink: sink, baseDN: cfg.Settings["baseDn"], filter: filter}
}

func (s *DirectoryStrategy) Queueable() bool { return true }

func (s *DirectoryStrategy) Sync(ctx context.Context, _ int64) (domain.SyncResult, error) {
	records, err := s.client.SearchUsers(ctx, s.baseDN, s.filter)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("directory search under %q: %w", s.baseDN, err)
	}
	return s.sink.Apply(ctx, domain.SyncSourceDirectory, records)
}

// RESTStrategy pulls a JSON array of user records with a GET request.
type RESTStrategy struct {
	client *http.Client
	sink   *UserSink
	url    string
	token  string
}

func NewRESTStrategy(client *http.Client, sink *UserSink, cfg domain.SyncConfig) (*RESTStrategy, error) {
	url := cfg.Settings["url"]
	if url == "" {
		return nil, errors.New("rest sync config needs a url setting")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTStrategy{client: client, sink: sink, url: url, token: cfg.Settings["token"]}, nil
}

func (s *RESTStrategy) Queueable() bool { return true }

func (s *RESTStrategy) Sync(ctx context.Context, _ int64) (domain.SyncResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return domain.SyncResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.SyncResult{}, fmt.Errorf("fetch %s: unexpected status %s", s.url, resp.Status)
	}
	var records []UserRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return domain.SyncResult{}, fmt.Errorf("decode users from %s: %w", s.url, err)
	}
	return s.sink.Apply(ctx, domain.SyncSourceREST, records)
}

// FileImportStrategy reads users from CSV with the header
// externalId,username,email,fullName,roles,active. Roles are separated by ';'.
// It needs the uploaded file and therefore cannot be queued.
type FileImportStrategy struct {
	input     io.Reader
	sink      *UserSink
	delimiter rune
}

func NewFileImportStrategy(input io.Reader, sink *UserSink, cfg domain.SyncConfig) *FileImportStrategy {
	delimiter := ','
	if d := cfg.Settings["delimiter"]; d != "" {
		delimiter = []rune(d)[0]
	}
	return &FileImportStrategy{input: input, sink: sink, delimiter: delimiter}
}

func (s *FileImportStrategy) Queueable() bool { return false }

func (s *FileImportStrategy) Sync(ctx context.Context, _ int64) (domain.SyncResult, error) {
	if s.input == nil {
		return domain.SyncResult{}, errors.New("file import needs an uploaded file")
	}
	r := csv.NewReader(s.input)
	r.Comma = s.delimiter
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("read csv header: %w", err)
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"externalId", "username"} {
		if _, ok := index[required]; !ok {
			return domain.SyncResult{}, fmt.Errorf("csv header is missing column %s", required)
		}
	}
	field := func(row []string, name string) string {
		if i, ok := index[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var records []UserRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.SyncResult{}, fmt.Errorf("read csv: %w", err)
		}
		rec := UserRecord{
			ExternalID: field(row, "externalId"),
			Username:   field(row, "username"),
			Email:      field(row, "email"),
			FullName:   field(row, "fullName"),
		}
		if roles := field(row, "roles"); roles != "" {
			rec.Roles = strings.Split(roles, ";")
		}
		if v := field(row, "active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err == nil {
				rec.Active = &active
			}
		}
		records = append(records, rec)
	}
	return s.sink.Apply(ctx, domain.SyncSourceFile, records)
}

// RegisterStrategies wires the built-in sources into the service. The directory source is only
// available when a client is given.
func RegisterStrategies(s *SyncService, sink *UserSink, httpClient *http.Client, directory DirectoryClient) {
	if directory != nil {
		s.Register(domain.SyncSourceDirectory, func(cfg domain.SyncConfig, _ io.Reader) (SyncStrategy, error) {
			return NewDirectoryStrategy(directory, sink, cfg), nil
		})
	}
	s.Register(domain.SyncSourceREST, func(cfg domain.SyncConfig, _ io.Reader) (SyncStrategy, error) {
		return NewRESTStrategy(httpClient, sink, cfg)
	})
	s.Register(domain.SyncSourceFile, func(cfg domain.SyncConfig, input io.Reader) (SyncStrategy, error) {
		return NewFileImportStrategy(input, sink, cfg), nil
	})
}
