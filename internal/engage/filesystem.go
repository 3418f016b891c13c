package engage

import (
	"sort"
	"strconv"
	"strings"
)

// virtualFiles is the immutable mapping from absolute path to contents
// the fake shell exposes to attackers. It is loaded once, here, and never
// mutated at runtime.
var virtualFiles = map[string]string{
	"/etc/passwd":               "root:x:0:0:root:/root:/bin/bash\nadmin:x:1000:1000:Admin:/home/admin:/bin/bash\n",
	"/home/admin/.env":          "DB_USER=admin\nDB_PASS=Admin123!\nAPI_KEY=abcd-efgh-1234\n",
	"/var/www/html/index.html":  "<html><body>ACME Corp Webroot</body></html>\n",
	"/root/notes.txt":           "Backup creds: backup_user:Backup#2025\n",
	"/root/db_dump.sql":         "-- fake db dump\nCREATE TABLE users (id INT, name TEXT);\nINSERT INTO users VALUES (1,'alice');\n",
}

// catFile returns the virtual file's contents and whether it exists.
func catFile(path string) (string, bool) {
	content, ok := virtualFiles[path]
	return content, ok
}

// listDir synthesizes an `ls` directory listing for cwd from the virtual
// filesystem map: every virtual file whose path is directly under cwd
// (no further "/" in the remainder) appears as a regular-file line; a
// fixed "." entry always leads the listing.
func listDir(cwd string) string {
	var names []string
	for path := range virtualFiles {
		if !strings.HasPrefix(path, cwd) {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(path, cwd), "/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)

	lines := []string{"drwxr-xr-x 3 root root 4096 Nov  1 10:01 ."}
	for _, name := range names {
		size := len(virtualFiles[strings.TrimRight(cwd, "/")+"/"+name])
		lines = append(lines, "-rw-r--r-- 1 root root "+strconv.Itoa(size)+" Nov  1 10:01 "+name)
	}
	if len(names) == 0 {
		lines = []string{"total 0"}
	}
	return strings.Join(lines, "\n") + "\n"
}
