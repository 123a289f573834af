package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/lib/pq"

	"google.golang.org/api/idtoken"

	"grouper/solver"
)

//go:embed schema.sql
var schema string

var (
	htmlTemplates *template.Template
	jsTemplates   *texttemplate.Template
)

func main() {
	for _, key := range []string{"PGCONN", "CLIENT_ID", "CLIENT_SECRET", "ADMINS"} {
		if os.Getenv(key) == "" {
			log.Fatalf("%s environment variable is required", key)
		}
	}

	db, err := sql.Open("postgres", os.Getenv("PGCONN"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Println("connected to database")

	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	htmlTemplates = template.Must(template.New("").ParseGlob("static/*.html"))
	jsTemplates = texttemplate.Must(texttemplate.New("").ParseGlob("static/*.js"))

	http.HandleFunc("GET /{$}", serveHTML("index.html"))
	http.HandleFunc("GET /app.js", serveJS("app.js"))
	http.HandleFunc("GET /cohort/{cohortID}", serveHTML("cohort.html"))
	http.HandleFunc("GET /cohort.js", serveJS("cohort.js"))
	http.HandleFunc("POST /auth/google/callback", handleGoogleCallback)
	http.HandleFunc("GET /api/admin/check", handleAdminCheck)
	http.HandleFunc("GET /api/cohorts", handleListCohorts(db))
	http.HandleFunc("POST /api/cohorts", handleCreateCohort(db))
	http.HandleFunc("DELETE /api/cohorts/{cohortID}", handleDeleteCohort(db))
	http.HandleFunc("GET /api/cohorts/{cohortID}", handleGetCohort(db))
	http.HandleFunc("PATCH /api/cohorts/{cohortID}", handleUpdateCohort(db))
	http.HandleFunc("POST /api/cohorts/{cohortID}/admins", handleAddCohortAdmin(db))
	http.HandleFunc("DELETE /api/cohorts/{cohortID}/admins/{adminID}", handleRemoveCohortAdmin(db))
	http.HandleFunc("GET /api/cohorts/{cohortID}/me", handleCohortMe(db))
	http.HandleFunc("GET /api/cohorts/{cohortID}/students", handleListStudents(db))
	http.HandleFunc("POST /api/cohorts/{cohortID}/students", handleImportRoster(db))
	http.HandleFunc("DELETE /api/cohorts/{cohortID}/students/{studentID}", handleDeleteStudent(db))
	http.HandleFunc("POST /api/cohorts/{cohortID}/surveys", handleSubmitSurvey(db))
	http.HandleFunc("POST /api/cohorts/{cohortID}/solve", handleSolve(db))
	http.HandleFunc("GET /api/cohorts/{cohortID}/groups", handleGetGroups(db))
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "db unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	log.Println("listening on :8080")
	log.Fatal(http.ListenAndServe(":8080", nil))
}

func templateData() map[string]any {
	return map[string]any{
		"env": envMap(),
	}
}

func envMap() map[string]string {
	m := map[string]string{}
	for _, e := range os.Environ() {
		if parts := strings.SplitN(e, "=", 2); len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

func serveHTML(name string) http.HandlerFunc {
	t := htmlTemplates.Lookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html")
		t.Execute(w, templateData())
	}
}

func serveJS(name string) http.HandlerFunc {
	t := jsTemplates.Lookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/javascript")
		t.Execute(w, templateData())
	}
}

func handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	credential := r.FormValue("credential")
	if credential == "" {
		http.Error(w, "missing credential", http.StatusBadRequest)
		return
	}

	payload, err := idtoken.Validate(context.Background(), credential, os.Getenv("CLIENT_ID"))
	if err != nil {
		log.Println("failed to validate token:", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	email := payload.Claims["email"].(string)

	profile := map[string]any{
		"email":   email,
		"name":    payload.Claims["name"],
		"picture": payload.Claims["picture"],
		"token":   signEmail(email),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func signEmail(email string) string {
	h := hmac.New(sha256.New, []byte(os.Getenv("CLIENT_SECRET")))
	h.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + sig
}

func authorize(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	emailBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	email := string(emailBytes)
	if signEmail(email) != token {
		return "", false
	}
	return email, true
}

func isAdmin(email string) bool {
	return slices.ContainsFunc(strings.Split(os.Getenv("ADMINS"), ","), func(a string) bool {
		return strings.TrimSpace(a) == email
	})
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if !isAdmin(email) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return email, true
}

func isCohortAdmin(db *sql.DB, email string, cohortID int64) bool {
	var exists bool
	db.QueryRow("SELECT EXISTS(SELECT 1 FROM cohort_admins WHERE cohort_id = $1 AND email = $2)", cohortID, email).Scan(&exists)
	return exists
}

func requireCohortAdmin(db *sql.DB, w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", 0, false
	}
	cohortID, err := strconv.ParseInt(r.PathValue("cohortID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid cohort ID", http.StatusBadRequest)
		return "", 0, false
	}
	if !isAdmin(email) && !isCohortAdmin(db, email, cohortID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", 0, false
	}
	return email, cohortID, true
}

func cohortRole(db *sql.DB, email string, cohortID int64) (string, int64) {
	if isAdmin(email) || isCohortAdmin(db, email, cohortID) {
		return "admin", 0
	}
	var studentID int64
	err := db.QueryRow("SELECT id FROM students WHERE cohort_id = $1 AND email = $2", cohortID, email).Scan(&studentID)
	if err == nil {
		return "student", studentID
	}
	return "", 0
}

func requireCohortMember(db *sql.DB, w http.ResponseWriter, r *http.Request) (string, int64, string, int64, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", 0, "", 0, false
	}
	cohortID, err := strconv.ParseInt(r.PathValue("cohortID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid cohort ID", http.StatusBadRequest)
		return "", 0, "", 0, false
	}
	role, studentID := cohortRole(db, email, cohortID)
	if role == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", 0, "", 0, false
	}
	return email, cohortID, role, studentID, true
}

func handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"admin": isAdmin(email)})
}

func handleListCohorts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		rows, err := db.Query(`
			SELECT c.id, c.name, c.group_size, c.swap_iters, c.greedy_iters, c.restarts, COALESCE(
				json_agg(json_build_object('id', ca.id, 'email', ca.email)) FILTER (WHERE ca.id IS NOT NULL),
				'[]'
			)
			FROM cohorts c
			LEFT JOIN cohort_admins ca ON ca.cohort_id = c.id
			GROUP BY c.id, c.name, c.group_size, c.swap_iters, c.greedy_iters, c.restarts
			ORDER BY c.id`)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type cohortAdmin struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		}
		type cohort struct {
			ID          int64         `json:"id"`
			Name        string        `json:"name"`
			GroupSize   int           `json:"group_size"`
			SwapIters   int           `json:"swap_iters"`
			GreedyIters int           `json:"greedy_iters"`
			Restarts    int           `json:"restarts"`
			Admins      []cohortAdmin `json:"admins"`
		}

		var cohorts []cohort
		for rows.Next() {
			var c cohort
			var adminsJSON string
			if err := rows.Scan(&c.ID, &c.Name, &c.GroupSize, &c.SwapIters, &c.GreedyIters, &c.Restarts, &adminsJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(adminsJSON), &c.Admins)
			cohorts = append(cohorts, c)
		}
		if cohorts == nil {
			cohorts = []cohort{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cohorts)
	}
}

func handleCreateCohort(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		var id int64
		err := db.QueryRow("INSERT INTO cohorts (name) VALUES ($1) RETURNING id", body.Name).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "name": body.Name})
	}
}

func handleDeleteCohort(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		cohortID, err := strconv.ParseInt(r.PathValue("cohortID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid cohort ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM cohorts WHERE id = $1", cohortID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "cohort not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetCohort(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, _, _, ok := requireCohortMember(db, w, r)
		if !ok {
			return
		}
		var name string
		var groupSize, swapIters, greedyIters, restarts int
		err := db.QueryRow("SELECT name, group_size, swap_iters, greedy_iters, restarts FROM cohorts WHERE id = $1", cohortID).
			Scan(&name, &groupSize, &swapIters, &greedyIters, &restarts)
		if err != nil {
			http.Error(w, "cohort not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": cohortID, "name": name, "group_size": groupSize,
			"swap_iters": swapIters, "greedy_iters": greedyIters, "restarts": restarts,
		})
	}
}

func handleUpdateCohort(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, ok := requireCohortAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			GroupSize   *int `json:"group_size"`
			SwapIters   *int `json:"swap_iters"`
			GreedyIters *int `json:"greedy_iters"`
			Restarts    *int `json:"restarts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.GroupSize != nil && *body.GroupSize < 2 {
			http.Error(w, "group_size must be at least 2", http.StatusBadRequest)
			return
		}
		if body.SwapIters != nil && *body.SwapIters < 1 {
			http.Error(w, "swap_iters must be at least 1", http.StatusBadRequest)
			return
		}
		if body.GreedyIters != nil && *body.GreedyIters < 1 {
			http.Error(w, "greedy_iters must be at least 1", http.StatusBadRequest)
			return
		}
		if body.Restarts != nil && *body.Restarts < 1 {
			http.Error(w, "restarts must be at least 1", http.StatusBadRequest)
			return
		}
		if body.GroupSize != nil {
			if _, err := db.Exec("UPDATE cohorts SET group_size = $1 WHERE id = $2", *body.GroupSize, cohortID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		if body.SwapIters != nil {
			if _, err := db.Exec("UPDATE cohorts SET swap_iters = $1 WHERE id = $2", *body.SwapIters, cohortID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		if body.GreedyIters != nil {
			if _, err := db.Exec("UPDATE cohorts SET greedy_iters = $1 WHERE id = $2", *body.GreedyIters, cohortID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		if body.Restarts != nil {
			if _, err := db.Exec("UPDATE cohorts SET restarts = $1 WHERE id = $2", *body.Restarts, cohortID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddCohortAdmin(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		cohortID, err := strconv.ParseInt(r.PathValue("cohortID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid cohort ID", http.StatusBadRequest)
			return
		}
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
			http.Error(w, "email is required", http.StatusBadRequest)
			return
		}
		var id int64
		err = db.QueryRow("INSERT INTO cohort_admins (cohort_id, email) VALUES ($1, $2) RETURNING id", cohortID, body.Email).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "email": body.Email})
	}
}

func handleRemoveCohortAdmin(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		adminID, err := strconv.ParseInt(r.PathValue("adminID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid admin ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM cohort_admins WHERE id = $1", adminID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "cohort admin not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCohortMe(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, role, studentID, ok := requireCohortMember(db, w, r)
		if !ok {
			return
		}
		resp := map[string]any{"role": role}
		if role == "student" {
			var uniqname, name string
			var section int
			var surveyed bool
			err := db.QueryRow(`
				SELECT s.uniqname, s.name, s.section, EXISTS(SELECT 1 FROM surveys sv WHERE sv.student_id = s.id)
				FROM students s WHERE s.id = $1 AND s.cohort_id = $2`, studentID, cohortID).
				Scan(&uniqname, &name, &section, &surveyed)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp["student"] = map[string]any{
				"id": studentID, "uniqname": uniqname, "name": name,
				"section": section, "surveyed": surveyed,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleListStudents(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, role, _, ok := requireCohortMember(db, w, r)
		if !ok {
			return
		}

		if role != "admin" {
			rows, err := db.Query("SELECT id, uniqname, name, section FROM students WHERE cohort_id = $1 ORDER BY name", cohortID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defer rows.Close()
			type studentBasic struct {
				ID       int64  `json:"id"`
				Uniqname string `json:"uniqname"`
				Name     string `json:"name"`
				Section  int    `json:"section"`
			}
			var students []studentBasic
			for rows.Next() {
				var s studentBasic
				if err := rows.Scan(&s.ID, &s.Uniqname, &s.Name, &s.Section); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				students = append(students, s)
			}
			if students == nil {
				students = []studentBasic{}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(students)
			return
		}

		roster, err := loadRoster(db, cohortID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type surveyOut struct {
			PreferredName string `json:"preferred_name"`
			Background    int    `json:"background"`
			Confidence    int    `json:"confidence"`
			SlowerPace    bool   `json:"slower_pace"`
			FastPace      bool   `json:"fast_pace"`
			Retake        bool   `json:"retake"`
			Plus12        bool   `json:"plus_12"`
		}
		type studentOut struct {
			ID       int64      `json:"id"`
			Uniqname string     `json:"uniqname"`
			Email    string     `json:"email"`
			Section  int        `json:"section"`
			Name     string     `json:"name"`
			Survey   *surveyOut `json:"survey"`
		}

		out := make([]studentOut, 0, len(roster))
		for _, s := range roster {
			so := studentOut{
				ID:       s.id,
				Uniqname: s.Uniqname,
				Email:    s.Email,
				Section:  s.Section,
				Name:     s.Name,
			}
			if s.Survey != nil {
				so.Survey = &surveyOut{
					PreferredName: s.Survey.PreferredName,
					Background:    s.Survey.Background,
					Confidence:    s.Survey.Confidence,
					SlowerPace:    s.Survey.SlowerPace,
					FastPace:      s.Survey.FastPace,
					Retake:        s.Survey.Retake,
					Plus12:        s.Survey.Plus12,
				}
			}
			out = append(out, so)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleImportRoster(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, ok := requireCohortAdmin(db, w, r)
		if !ok {
			return
		}
		var body []struct {
			Uniqname string `json:"uniqname"`
			Email    string `json:"email"`
			Section  int    `json:"section"`
			Name     string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body) == 0 {
			http.Error(w, "non-empty student array is required", http.StatusBadRequest)
			return
		}
		for _, s := range body {
			if s.Uniqname == "" || s.Email == "" || s.Name == "" {
				http.Error(w, "uniqname, email, and name are required for every student", http.StatusBadRequest)
				return
			}
		}

		// first occurrence of an email wins; re-importing a roster is a no-op
		inserted := 0
		for _, s := range body {
			result, err := db.Exec(`
				INSERT INTO students (cohort_id, uniqname, email, section, name)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (cohort_id, email) DO NOTHING`,
				cohortID, s.Uniqname, s.Email, s.Section, s.Name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if n, _ := result.RowsAffected(); n > 0 {
				inserted++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"inserted": inserted, "skipped": len(body) - inserted})
	}
}

func handleDeleteStudent(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, ok := requireCohortAdmin(db, w, r)
		if !ok {
			return
		}
		studentID, err := strconv.ParseInt(r.PathValue("studentID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid student ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM students WHERE id = $1 AND cohort_id = $2", studentID, cohortID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "student not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSubmitSurvey(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, role, myStudentID, ok := requireCohortMember(db, w, r)
		if !ok {
			return
		}
		var body struct {
			StudentID     int64  `json:"student_id"`
			PreferredName string `json:"preferred_name"`
			Background    int    `json:"background"`
			Confidence    int    `json:"confidence"`
			SlowerPace    bool   `json:"slower_pace"`
			FastPace      bool   `json:"fast_pace"`
			Retake        bool   `json:"retake"`
			Plus12        bool   `json:"plus_12"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Background < 1 || body.Background > 5 {
			http.Error(w, "background must be between 1 and 5", http.StatusBadRequest)
			return
		}
		if body.Confidence < 1 || body.Confidence > 5 {
			http.Error(w, "confidence must be between 1 and 5", http.StatusBadRequest)
			return
		}

		studentID := body.StudentID
		if role != "admin" {
			if studentID != 0 && studentID != myStudentID {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			studentID = myStudentID
		}
		if studentID == 0 {
			http.Error(w, "student_id is required", http.StatusBadRequest)
			return
		}

		var id int64
		err := db.QueryRow(`
			INSERT INTO surveys (student_id, preferred_name, background, confidence, slower_pace, fast_pace, retake, plus_12)
			SELECT s.id, $2, $3, $4, $5, $6, $7, $8
			FROM students s WHERE s.id = $1 AND s.cohort_id = $9
			ON CONFLICT (student_id) DO UPDATE SET
				preferred_name = EXCLUDED.preferred_name,
				background = EXCLUDED.background,
				confidence = EXCLUDED.confidence,
				slower_pace = EXCLUDED.slower_pace,
				fast_pace = EXCLUDED.fast_pace,
				retake = EXCLUDED.retake,
				plus_12 = EXCLUDED.plus_12
			RETURNING id`,
			studentID, body.PreferredName, body.Background, body.Confidence,
			body.SlowerPace, body.FastPace, body.Retake, body.Plus12, cohortID).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id})
	}
}

type rosterRow struct {
	id int64
	solver.Student
}

func loadRoster(db *sql.DB, cohortID int64) ([]rosterRow, error) {
	rows, err := db.Query(`
		SELECT s.id, s.uniqname, s.email, s.section, s.name,
			sv.preferred_name, sv.background, sv.confidence, sv.slower_pace, sv.fast_pace, sv.retake, sv.plus_12
		FROM students s
		LEFT JOIN surveys sv ON sv.student_id = s.id
		WHERE s.cohort_id = $1
		ORDER BY s.id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []rosterRow
	for rows.Next() {
		var s rosterRow
		var preferredName sql.NullString
		var background, confidence sql.NullInt64
		var slowerPace, fastPace, retake, plus12 sql.NullBool
		if err := rows.Scan(&s.id, &s.Uniqname, &s.Email, &s.Section, &s.Name,
			&preferredName, &background, &confidence, &slowerPace, &fastPace, &retake, &plus12); err != nil {
			return nil, err
		}
		if background.Valid {
			s.Survey = &solver.Survey{
				PreferredName: preferredName.String,
				Background:    int(background.Int64),
				Confidence:    int(confidence.Int64),
				SlowerPace:    slowerPace.Bool,
				FastPace:      fastPace.Bool,
				Retake:        retake.Bool,
				Plus12:        plus12.Bool,
			}
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

type groupMember struct {
	ID            int64  `json:"id"`
	Uniqname      string `json:"uniqname"`
	Name          string `json:"name"`
	PreferredName string `json:"preferred_name,omitempty"`
	Surveyed      bool   `json:"surveyed"`
	Plus12        bool   `json:"plus_12"`
}

type groupResult struct {
	Members []groupMember `json:"members"`
	Score   int           `json:"score"`
}

type sectionResult struct {
	Section    int           `json:"section"`
	Groups     []groupResult `json:"groups"`
	TotalScore int           `json:"total_score"`
}

// sectionResults re-derives every group's score from its final membership
// rather than carrying scores out of the solver.
func sectionResults(sections map[int][]solver.Group, groupSize int, idByEmail map[string]int64) []sectionResult {
	var results []sectionResult
	for section, groups := range sections {
		sr := sectionResult{Section: section}
		for _, g := range groups {
			gr := groupResult{Score: solver.Score(g, groupSize)}
			for _, s := range g {
				m := groupMember{
					ID:       idByEmail[s.Email],
					Uniqname: s.Uniqname,
					Name:     s.Name,
					Surveyed: s.Survey != nil,
				}
				if s.Survey != nil {
					m.PreferredName = s.Survey.PreferredName
					m.Plus12 = s.Survey.Plus12
				}
				gr.Members = append(gr.Members, m)
			}
			sr.Groups = append(sr.Groups, gr)
			sr.TotalScore += gr.Score
		}
		results = append(results, sr)
	}
	slices.SortFunc(results, func(a, b sectionResult) int { return a.Section - b.Section })
	return results
}

func handleSolve(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, ok := requireCohortAdmin(db, w, r)
		if !ok {
			return
		}

		params := solver.DefaultParams
		err := db.QueryRow("SELECT group_size, swap_iters, greedy_iters, restarts FROM cohorts WHERE id = $1", cohortID).
			Scan(&params.GroupSize, &params.SwapIters, &params.GreedyIters, &params.Restarts)
		if err != nil {
			http.Error(w, "cohort not found", http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("production") == "true" {
			params.SwapIters = solver.ProductionParams.SwapIters
			params.GreedyIters = solver.ProductionParams.GreedyIters
		}

		roster, err := loadRoster(db, cohortID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(roster) == 0 {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"sections": []any{}})
			return
		}

		idByEmail := map[string]int64{}
		students := make([]solver.Student, len(roster))
		for i, s := range roster {
			idByEmail[s.Email] = s.id
			students[i] = s.Student
		}

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		solved := map[int][]solver.Group{}
		for section, sectionStudents := range solver.SplitSections(students) {
			solved[section] = solver.Solve(sectionStudents, params, rng)
		}

		results := sectionResults(solved, params.GroupSize, idByEmail)

		tx, err := db.Begin()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer tx.Rollback()
		if _, err := tx.Exec("DELETE FROM groupings WHERE cohort_id = $1", cohortID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, sr := range results {
			var groupingID int64
			err := tx.QueryRow("INSERT INTO groupings (cohort_id, section, total_score) VALUES ($1, $2, $3) RETURNING id",
				cohortID, sr.Section, sr.TotalScore).Scan(&groupingID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for gi, g := range sr.Groups {
				for _, m := range g.Members {
					if _, err := tx.Exec("INSERT INTO grouping_members (grouping_id, group_index, student_id) VALUES ($1, $2, $3)",
						groupingID, gi, m.ID); err != nil {
						http.Error(w, err.Error(), http.StatusInternalServerError)
						return
					}
				}
			}
		}
		if err := tx.Commit(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Printf("solved cohort %d: %d students, %d sections", cohortID, len(roster), len(results))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sections": results})
	}
}

func handleGetGroups(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, cohortID, ok := requireCohortAdmin(db, w, r)
		if !ok {
			return
		}

		var groupSize int
		if err := db.QueryRow("SELECT group_size FROM cohorts WHERE id = $1", cohortID).Scan(&groupSize); err != nil {
			http.Error(w, "cohort not found", http.StatusNotFound)
			return
		}

		roster, err := loadRoster(db, cohortID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		byID := map[int64]rosterRow{}
		idByEmail := map[string]int64{}
		var rosterIDs []int64
		for _, s := range roster {
			byID[s.id] = s
			idByEmail[s.Email] = s.id
			rosterIDs = append(rosterIDs, s.id)
		}

		rows, err := db.Query(`
			SELECT g.section, gm.group_index, gm.student_id
			FROM groupings g
			JOIN grouping_members gm ON gm.grouping_id = g.id
			WHERE g.cohort_id = $1 AND gm.student_id = ANY($2)
			ORDER BY g.section, gm.group_index, gm.id`, cohortID, pq.Array(rosterIDs))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type groupKey struct {
			section int
			index   int
		}
		grouped := map[groupKey]solver.Group{}
		var keys []groupKey
		for rows.Next() {
			var key groupKey
			var studentID int64
			if err := rows.Scan(&key.section, &key.index, &studentID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if _, seen := grouped[key]; !seen {
				keys = append(keys, key)
			}
			grouped[key] = append(grouped[key], byID[studentID].Student)
		}
		if err := rows.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		sections := map[int][]solver.Group{}
		for _, key := range keys {
			sections[key.section] = append(sections[key.section], grouped[key])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sections": sectionResults(sections, groupSize, idByEmail)})
	}
}
