package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/authz"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/store/memory"
)

const testPassword = "correct horse"

// syncRecorder writes entries straight to the store so assertions need not wait
// on the asynchronous sink.
type syncRecorder struct{ st *memory.Store }

func (s syncRecorder) Record(e audit.Entry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_ = s.st.AppendAudit(context.Background(), e)
}

type campus struct {
	t       *testing.T
	store   *memory.Store
	auth    *auth.Service
	api     *API
	server  http.Handler
	tenant  auth.Tenant
	classA  academics.Class
	classB  academics.Class
	admin   auth.User
	teacher auth.User
	student auth.User
	other   auth.User
}

func newCampus(t *testing.T) *campus {
	t.Helper()
	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		Issuer:        "campusgate",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	st := memory.New()
	c := &campus{t: t, store: st}
	c.tenant = auth.Tenant{ID: ids.New(), Code: "north", Name: "North Campus", Status: auth.TenantActive}
	st.PutTenant(c.tenant)

	program := academics.Program{ID: ids.New(), TenantID: c.tenant.ID, Code: "CS", Name: "Computer Science"}
	st.PutProgram(program)
	cycle := academics.Cycle{ID: ids.New(), TenantID: c.tenant.ID, ProgramID: program.ID, Name: "2026 Fall"}
	st.PutCycle(cycle)

	c.auth = auth.NewService(st, st, st, codec, auth.WithLogger(zap.NewNop()))
	enrollments := enrollment.NewService(st, st)
	academicSvc := academics.NewService(st, st, st, st, enrollments)
	c.api = New(Deps{
		Auth:        c.auth,
		Enrollments: enrollments,
		Academics:   academicSvc,
		Engine:      authz.NewEngine(enrollments),
		Audit:       syncRecorder{st: st},
		AuditQuery:  audit.NewQuery(st),
		Logger:      zap.NewNop(),
		Version:     "test",
	})
	c.server = c.api.Handler()

	c.admin = c.addUser("admin@north.edu", auth.RoleAdmin)
	c.teacher = c.addUser("teacher@north.edu", auth.RoleTeacher)
	c.student = c.addUser("student@north.edu", auth.RoleStudent)
	c.other = c.addUser("other@north.edu", auth.RoleStudent)

	ctx := context.Background()
	for _, name := range []string{"Algorithms", "Databases"} {
		class, err := academicSvc.CreateClass(ctx, c.tenant.ID, academics.ClassInput{
			ProgramID:       program.ID,
			AcademicCycleID: cycle.ID,
			Name:            name,
			Capacity:        30,
		})
		if err != nil {
			t.Fatalf("create class %s: %v", name, err)
		}
		if c.classA.ID == "" {
			c.classA = class
		} else {
			c.classB = class
		}
	}
	c.enroll(c.teacher.ID, c.classA.ID, enrollment.ClassTeacher)
	c.enroll(c.student.ID, c.classA.ID, enrollment.ClassStudent)
	c.enroll(c.other.ID, c.classA.ID, enrollment.ClassStudent)
	return c
}

func (c *campus) addUser(email string, role auth.Role) auth.User {
	c.t.Helper()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	u, err := c.store.CreateUser(context.Background(), auth.User{
		ID:           ids.New(),
		TenantID:     c.tenant.ID,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       auth.UserActive,
	})
	if err != nil {
		c.t.Fatalf("create user: %v", err)
	}
	return u
}

func (c *campus) enroll(userID, classID string, role enrollment.ClassRole) {
	c.t.Helper()
	_, err := c.api.enrollments.Create(context.Background(), c.tenant.ID, enrollment.CreateInput{
		UserID: userID, ClassID: classID, RoleInClass: role,
	})
	if err != nil {
		c.t.Fatalf("enroll: %v", err)
	}
}

func (c *campus) login(email string) auth.TokenPair {
	c.t.Helper()
	pair, _, err := c.auth.Login(context.Background(), auth.LoginInput{
		TenantCode: c.tenant.Code, Email: email, Password: testPassword,
	})
	if err != nil {
		c.t.Fatalf("login %s: %v", email, err)
	}
	return pair
}

type reply struct {
	code   int
	header http.Header
	body   map[string]any
}

func (r reply) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (r reply) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (r reply) list() []any {
	d, _ := r.body["data"].([]any)
	return d
}

func (c *campus) do(method, path, token string, body any) reply {
	c.t.Helper()
	out, err := c.send(method, path, token, body)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return out
}

func (c *campus) send(method, path, token string, body any) (reply, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return reply{}, err
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	c.server.ServeHTTP(rr, req)

	out := reply{code: rr.Code, header: rr.Header()}
	if err := json.Unmarshal(rr.Body.Bytes(), &out.body); err != nil {
		return reply{}, fmt.Errorf("decode body %q: %w", rr.Body.String(), err)
	}
	return out, nil
}

func TestStudentReadsOwnClassOnly(t *testing.T) {
	c := newCampus(t)
	token := c.login("student@north.edu").AccessToken

	res := c.do(http.MethodGet, "/api/v1/classes/"+c.classA.ID+"/grades", token, nil)
	if res.code != http.StatusOK {
		t.Fatalf("grades of own class: status %d body %v", res.code, res.body)
	}

	res = c.do(http.MethodGet, "/api/v1/classes/"+c.classB.ID+"/grades", token, nil)
	if res.code != http.StatusForbidden || res.errorCode() != "NOT_ENROLLED" {
		t.Fatalf("grades of other class: status %d code %s", res.code, res.errorCode())
	}

	// A class that does not exist looks the same as one the caller is not in.
	res = c.do(http.MethodGet, "/api/v1/classes/"+ids.New()+"/grades", token, nil)
	if res.code != http.StatusForbidden || res.errorCode() != "NOT_ENROLLED" {
		t.Fatalf("grades of unknown class: status %d code %s", res.code, res.errorCode())
	}
}

func TestTeacherOutsideClassIsNotEnrolled(t *testing.T) {
	c := newCampus(t)
	token := c.login("teacher@north.edu").AccessToken

	res := c.do(http.MethodGet, "/api/v1/classes/"+c.classB.ID+"/grades", token, nil)
	if res.code != http.StatusForbidden || res.errorCode() != "NOT_ENROLLED" {
		t.Fatalf("status %d code %s", res.code, res.errorCode())
	}
}

func TestAdminGetsNotFoundForUnknownClass(t *testing.T) {
	c := newCampus(t)
	token := c.login("admin@north.edu").AccessToken

	res := c.do(http.MethodGet, "/api/v1/classes/"+ids.New(), token, nil)
	if res.code != http.StatusNotFound || res.errorCode() != "NOT_FOUND" {
		t.Fatalf("status %d code %s", res.code, res.errorCode())
	}
	res = c.do(http.MethodGet, "/api/v1/classes/"+c.classB.ID+"/grades", token, nil)
	if res.code != http.StatusOK {
		t.Fatalf("admin grades: status %d", res.code)
	}
}

func TestTeacherMarksAttendanceAndIsAudited(t *testing.T) {
	c := newCampus(t)
	token := c.login("teacher@north.edu").AccessToken
	body := map[string]any{
		"date": "2026-09-14",
		"records": []map[string]any{
			{"studentId": c.student.ID, "status": "present"},
			{"studentId": c.other.ID, "status": "late"},
		},
	}

	res := c.do(http.MethodPost, "/api/v1/classes/"+c.classA.ID+"/attendance", token, body)
	if res.code != http.StatusCreated {
		t.Fatalf("mark: status %d body %v", res.code, res.body)
	}
	sheetID, _ := res.data()["id"].(string)

	res = c.do(http.MethodPost, "/api/v1/classes/"+c.classA.ID+"/attendance", token, body)
	if res.code != http.StatusOK {
		t.Fatalf("re-mark same day: status %d", res.code)
	}
	if got, _ := res.data()["id"].(string); got != sheetID {
		t.Fatalf("re-mark created a second sheet: %s vs %s", got, sheetID)
	}

	var marked *audit.Entry
	for _, e := range c.store.AuditEntries() {
		if e.Action == audit.ActionAttendanceMarked {
			e := e
			marked = &e
		}
	}
	if marked == nil {
		t.Fatalf("attendance_marked not audited: %+v", c.store.AuditEntries())
	}
	if marked.UserID != c.teacher.ID || marked.TenantID != c.tenant.ID || marked.EntityID != sheetID {
		t.Fatalf("unexpected audit entry: %+v", marked)
	}
	if marked.RequestID == "" {
		t.Fatalf("audit entry lacks request id")
	}

	// Students cannot mark attendance even in their own class.
	studentToken := c.login("student@north.edu").AccessToken
	res = c.do(http.MethodPost, "/api/v1/classes/"+c.classA.ID+"/attendance", studentToken, body)
	if res.code != http.StatusForbidden || res.errorCode() != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("student mark: status %d code %s", res.code, res.errorCode())
	}
}

func TestStudentSeesOnlyOwnAttendance(t *testing.T) {
	c := newCampus(t)
	teacher := c.login("teacher@north.edu").AccessToken
	res := c.do(http.MethodPost, "/api/v1/classes/"+c.classA.ID+"/attendance", teacher, map[string]any{
		"date": "2026-09-15",
		"records": []map[string]any{
			{"studentId": c.student.ID, "status": "present"},
			{"studentId": c.other.ID, "status": "absent"},
		},
	})
	if res.code != http.StatusCreated {
		t.Fatalf("mark: status %d body %v", res.code, res.body)
	}
	sheetID, _ := res.data()["id"].(string)

	student := c.login("student@north.edu").AccessToken
	res = c.do(http.MethodGet, "/api/v1/attendance/"+sheetID, student, nil)
	if res.code != http.StatusOK {
		t.Fatalf("get sheet: status %d", res.code)
	}
	records, _ := res.data()["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected only own record, got %v", records)
	}
	if rec, _ := records[0].(map[string]any); rec["studentId"] != c.student.ID {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestAuditLogsAdminOnly(t *testing.T) {
	c := newCampus(t)
	c.login("student@north.edu")
	admin := c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"tenantCode": "NORTH", "email": "admin@north.edu", "password": testPassword,
	})
	if admin.code != http.StatusOK {
		t.Fatalf("login: status %d body %v", admin.code, admin.body)
	}
	adminToken, _ := admin.data()["accessToken"].(string)

	res := c.do(http.MethodGet, "/api/v1/audit-logs?action=logged_in&limit=10", adminToken, nil)
	if res.code != http.StatusOK {
		t.Fatalf("list audit: status %d body %v", res.code, res.body)
	}
	if len(res.list()) != 1 {
		t.Fatalf("expected the http login only, got %v", res.list())
	}
	page, _ := res.body["pagination"].(map[string]any)
	if page["total"] != float64(1) {
		t.Fatalf("unexpected pagination %v", page)
	}

	student := c.login("student@north.edu").AccessToken
	res = c.do(http.MethodGet, "/api/v1/audit-logs", student, nil)
	if res.code != http.StatusForbidden || res.errorCode() != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("student audit: status %d code %s", res.code, res.errorCode())
	}
}

func TestConcurrentEnrollOnlyOneWins(t *testing.T) {
	c := newCampus(t)
	token := c.login("admin@north.edu").AccessToken
	newcomer := c.addUser("new@north.edu", auth.RoleStudent)

	const n = 8
	codes := make([]int, n)
	errs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.send(http.MethodPost, "/api/v1/enrollments", token, map[string]any{
				"userId": newcomer.ID, "classId": c.classB.ID,
			})
			if err != nil {
				errs[i] = err.Error()
				return
			}
			codes[i], errs[i] = res.code, res.errorCode()
		}(i)
	}
	wg.Wait()

	created := 0
	for i, code := range codes {
		switch {
		case code == http.StatusCreated:
			created++
		case code == http.StatusBadRequest && errs[i] == "ALREADY_ENROLLED":
		default:
			t.Fatalf("request %d: status %d code %s", i, code, errs[i])
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one enrollment, got %d", created)
	}
}

func TestRefreshAfterBlockFails(t *testing.T) {
	c := newCampus(t)
	pair := c.login("student@north.edu")
	admin := c.login("admin@north.edu").AccessToken

	res := c.do(http.MethodPatch, "/api/v1/users/"+c.student.ID+"/status", admin, map[string]any{"status": "blocked"})
	if res.code != http.StatusOK {
		t.Fatalf("block: status %d body %v", res.code, res.body)
	}

	res = c.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]any{"refreshToken": pair.RefreshToken})
	if res.errorCode() != "USER_INACTIVE" {
		t.Fatalf("refresh: status %d code %s", res.code, res.errorCode())
	}
	res = c.do(http.MethodGet, "/api/v1/auth/me", pair.AccessToken, nil)
	if res.errorCode() != "USER_INACTIVE" {
		t.Fatalf("me: status %d code %s", res.code, res.errorCode())
	}
}

func TestTeacherCannotAssignClassRoles(t *testing.T) {
	c := newCampus(t)
	token := c.login("teacher@north.edu").AccessToken
	newcomer := c.addUser("ta@north.edu", auth.RoleTeacher)

	res := c.do(http.MethodPost, "/api/v1/enrollments", token, map[string]any{
		"userId": newcomer.ID, "classId": c.classA.ID, "roleInClass": "teacher",
	})
	if res.code != http.StatusForbidden || res.errorCode() != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("status %d code %s", res.code, res.errorCode())
	}

	res = c.do(http.MethodPost, "/api/v1/enrollments", token, map[string]any{
		"userId": newcomer.ID, "classId": c.classB.ID,
	})
	if res.code != http.StatusForbidden || res.errorCode() != "NOT_ENROLLED" {
		t.Fatalf("enroll into untaught class: status %d code %s", res.code, res.errorCode())
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	c := newCampus(t)
	res := c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]any{"tenantCode": "north", "email": "nope"})
	if res.code != http.StatusBadRequest || res.errorCode() != "VALIDATION_ERROR" {
		t.Fatalf("status %d code %s", res.code, res.errorCode())
	}
	e, _ := res.body["error"].(map[string]any)
	meta, _ := e["metadata"].(map[string]any)
	fields, _ := meta["fields"].(map[string]any)
	if fields["email"] != "email" || fields["password"] != "required" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if e["requestId"] == "" || e["requestId"] != res.header.Get(requestIDHeader) {
		t.Fatalf("request id mismatch: %v vs %s", e["requestId"], res.header.Get(requestIDHeader))
	}
}

func TestAdminProvisionsAndListsUsers(t *testing.T) {
	c := newCampus(t)
	admin := c.login("admin@north.edu").AccessToken
	body := map[string]any{
		"email":    "New.Teacher@north.edu",
		"password": "another secret",
		"fullName": "New Teacher",
		"role":     "teacher",
	}

	res := c.do(http.MethodPost, "/api/v1/users", admin, body)
	if res.code != http.StatusCreated {
		t.Fatalf("create user: status %d body %v", res.code, res.body)
	}
	created := res.data()
	if created["status"] != "active" || created["role"] != "teacher" || created["email"] != "new.teacher@north.edu" {
		t.Fatalf("unexpected user %v", created)
	}
	userID, _ := created["id"].(string)

	var logged *audit.Entry
	for _, e := range c.store.AuditEntries() {
		if e.Action == audit.ActionUserCreated {
			e := e
			logged = &e
		}
	}
	if logged == nil || logged.EntityID != userID || logged.UserID != c.admin.ID || logged.Metadata["role"] != "teacher" {
		t.Fatalf("user_created not audited: %+v", c.store.AuditEntries())
	}

	if _, _, err := c.auth.Login(context.Background(), auth.LoginInput{
		TenantCode: c.tenant.Code, Email: "new.teacher@north.edu", Password: "another secret",
	}); err != nil {
		t.Fatalf("provisioned user cannot log in: %v", err)
	}

	res = c.do(http.MethodPost, "/api/v1/users", admin, body)
	if res.code != http.StatusBadRequest || res.errorCode() != "DUPLICATE_ENTRY" {
		t.Fatalf("duplicate: status %d code %s", res.code, res.errorCode())
	}
	body["email"], body["role"] = "dean@north.edu", "dean"
	res = c.do(http.MethodPost, "/api/v1/users", admin, body)
	if res.code != http.StatusBadRequest || res.errorCode() != "VALIDATION_ERROR" {
		t.Fatalf("bad role: status %d code %s", res.code, res.errorCode())
	}

	res = c.do(http.MethodGet, "/api/v1/users?role=teacher&limit=1", admin, nil)
	if res.code != http.StatusOK || len(res.list()) != 1 {
		t.Fatalf("list teachers: status %d body %v", res.code, res.body)
	}
	page, _ := res.body["pagination"].(map[string]any)
	if page["total"] != float64(2) || page["pages"] != float64(2) {
		t.Fatalf("unexpected pagination %v", page)
	}

	res = c.do(http.MethodGet, "/api/v1/users?search=NEW.TEACHER", admin, nil)
	if len(res.list()) != 1 {
		t.Fatalf("search: expected one match, got %v", res.list())
	}
	res = c.do(http.MethodGet, "/api/v1/users/"+userID, admin, nil)
	if res.code != http.StatusOK || res.data()["id"] != userID {
		t.Fatalf("get user: status %d body %v", res.code, res.body)
	}

	teacher := c.login("teacher@north.edu").AccessToken
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		res = c.do(method, "/api/v1/users", teacher, map[string]any{})
		if res.code != http.StatusForbidden || res.errorCode() != "INSUFFICIENT_PERMISSIONS" {
			t.Fatalf("teacher %s users: status %d code %s", method, res.code, res.errorCode())
		}
	}
}

func TestAdminWaivesFeeWithAuditedChange(t *testing.T) {
	c := newCampus(t)
	admin := c.login("admin@north.edu").AccessToken
	feesPath := "/api/v1/classes/" + c.classA.ID + "/fees"

	res := c.do(http.MethodPost, feesPath, admin, map[string]any{
		"studentId": c.student.ID, "type": "tuition", "amount": 1200, "dueDate": "2026-11-01",
	})
	if res.code != http.StatusCreated {
		t.Fatalf("record fee: status %d body %v", res.code, res.body)
	}
	if res.data()["status"] != "pending" || res.data()["dueDate"] != "2026-11-01T00:00:00Z" {
		t.Fatalf("unexpected fee %v", res.data())
	}
	feeID, _ := res.data()["id"].(string)
	res = c.do(http.MethodPost, feesPath, admin, map[string]any{
		"studentId": c.other.ID, "type": "lab", "amount": 80, "dueDate": "2026-11-01",
	})
	if res.code != http.StatusCreated {
		t.Fatalf("record second fee: status %d body %v", res.code, res.body)
	}

	student := c.login("student@north.edu").AccessToken
	res = c.do(http.MethodGet, feesPath, student, nil)
	if res.code != http.StatusOK || len(res.list()) != 1 {
		t.Fatalf("student fees: status %d body %v", res.code, res.body)
	}
	if fee, _ := res.list()[0].(map[string]any); fee["id"] != feeID {
		t.Fatalf("student saw another fee %v", fee)
	}

	teacher := c.login("teacher@north.edu").AccessToken
	waive := map[string]any{"reason": "scholarship"}
	res = c.do(http.MethodPatch, "/api/v1/fees/"+feeID+"/waive", teacher, waive)
	if res.code != http.StatusForbidden || res.errorCode() != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("teacher waive: status %d code %s", res.code, res.errorCode())
	}

	res = c.do(http.MethodPatch, "/api/v1/fees/"+feeID+"/waive", admin, waive)
	if res.code != http.StatusOK {
		t.Fatalf("waive: status %d body %v", res.code, res.body)
	}
	if res.data()["status"] != "waived" || res.data()["waivedReason"] != "scholarship" || res.data()["waivedBy"] != c.admin.ID {
		t.Fatalf("unexpected waived fee %v", res.data())
	}

	var waived *audit.Entry
	for _, e := range c.store.AuditEntries() {
		if e.Action == audit.ActionFeeWaived {
			e := e
			waived = &e
		}
	}
	if waived == nil || waived.EntityID != feeID || waived.Entity != "fee" {
		t.Fatalf("fee_waived not audited: %+v", c.store.AuditEntries())
	}
	before, _ := waived.Metadata["before"].(map[string]any)
	after, _ := waived.Metadata["after"].(map[string]any)
	if before["status"] != "pending" || before["amount"] != 1200.0 || after["status"] != "waived" || after["amount"] != 1200.0 {
		t.Fatalf("unexpected change metadata %v", waived.Metadata)
	}

	res = c.do(http.MethodPatch, "/api/v1/fees/"+feeID+"/waive", admin, waive)
	if res.code != http.StatusBadRequest || res.errorCode() != "VALIDATION_ERROR" {
		t.Fatalf("second waive: status %d code %s", res.code, res.errorCode())
	}
	res = c.do(http.MethodPatch, "/api/v1/fees/"+ids.New()+"/waive", admin, waive)
	if res.code != http.StatusNotFound {
		t.Fatalf("unknown fee: status %d", res.code)
	}
}

func TestAttendanceSheetExistenceIsHidden(t *testing.T) {
	c := newCampus(t)
	c.enroll(c.student.ID, c.classB.ID, enrollment.ClassStudent)
	admin := c.login("admin@north.edu").AccessToken
	res := c.do(http.MethodPost, "/api/v1/classes/"+c.classB.ID+"/attendance", admin, map[string]any{
		"date":    "2026-09-16",
		"records": []map[string]any{{"studentId": c.student.ID, "status": "present"}},
	})
	if res.code != http.StatusCreated {
		t.Fatalf("mark: status %d body %v", res.code, res.body)
	}
	sheetID, _ := res.data()["id"].(string)

	other := c.login("other@north.edu").AccessToken
	existing := c.do(http.MethodGet, "/api/v1/attendance/"+sheetID, other, nil)
	missing := c.do(http.MethodGet, "/api/v1/attendance/"+ids.New(), other, nil)
	for name, res := range map[string]reply{"existing": existing, "missing": missing} {
		if res.code != http.StatusForbidden || res.errorCode() != "NOT_ENROLLED" {
			t.Fatalf("%s sheet: status %d code %s", name, res.code, res.errorCode())
		}
		if e, _ := res.body["error"].(map[string]any); e["metadata"] != nil {
			t.Fatalf("%s sheet leaks metadata %v", name, e)
		}
	}
	existingErr, _ := existing.body["error"].(map[string]any)
	missingErr, _ := missing.body["error"].(map[string]any)
	if existingErr["message"] != missingErr["message"] {
		t.Fatalf("responses differ: %v vs %v", existingErr, missingErr)
	}

	res = c.do(http.MethodGet, "/api/v1/attendance/"+ids.New(), admin, nil)
	if res.code != http.StatusNotFound {
		t.Fatalf("admin missing sheet: status %d", res.code)
	}
}

func TestMarkAttendanceKeepsCallerCalendarDay(t *testing.T) {
	c := newCampus(t)
	teacher := c.login("teacher@north.edu").AccessToken
	res := c.do(http.MethodPost, "/api/v1/classes/"+c.classA.ID+"/attendance", teacher, map[string]any{
		"date":    "2026-10-01T23:30:00-05:00",
		"records": []map[string]any{{"studentId": c.student.ID, "status": "present"}},
	})
	if res.code != http.StatusCreated {
		t.Fatalf("mark: status %d body %v", res.code, res.body)
	}
	if got := res.data()["date"]; got != "2026-10-01T00:00:00Z" {
		t.Fatalf("expected 2026-10-01, got %v", got)
	}
}
