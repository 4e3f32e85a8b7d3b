package fetch

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"skybackfill/internal/models"
)

// ReadAccountList parses the packed account list: one account per line as
// "did,host" or a bare "did" (host resolved later through the directory).
// Blank lines, comments and a leading header row are skipped.
func ReadAccountList(path string) ([]models.AccountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open account list: %w", err)
	}
	defer f.Close()

	var accounts []models.AccountEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if lineNo == 1 && strings.EqualFold(line, "did,host") {
			continue
		}

		did, host, _ := strings.Cut(line, ",")
		did = strings.TrimSpace(did)
		host = strings.TrimSpace(host)
		if !strings.HasPrefix(did, "did:") {
			return nil, fmt.Errorf("account list line %d: %q is not a did", lineNo, did)
		}
		accounts = append(accounts, models.AccountEntry{DID: did, Host: host})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account list: %w", err)
	}
	return accounts, nil
}
