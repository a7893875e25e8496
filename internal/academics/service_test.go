package academics_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/store/memory"
)

var testNow = time.Date(2026, 9, 14, 10, 30, 0, 0, time.UTC)

func newServices(t *testing.T) (*academics.Service, *enrollment.Service) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	st.PutTenant(auth.Tenant{ID: "t1", Code: "north", Status: auth.TenantActive})
	st.PutProgram(academics.Program{ID: "p1", TenantID: "t1", Code: "MATH", Name: "Mathematics"})
	st.PutProgram(academics.Program{ID: "p2", TenantID: "t1", Code: "BIO", Name: "Biology"})
	st.PutCycle(academics.Cycle{ID: "cy1", TenantID: "t1", ProgramID: "p1", Name: "2026-1"})
	for _, u := range []auth.User{
		{ID: "s1", TenantID: "t1", Email: "s1@x", Role: auth.RoleStudent, Status: auth.UserActive},
		{ID: "s2", TenantID: "t1", Email: "s2@x", Role: auth.RoleStudent, Status: auth.UserActive},
		{ID: "s3", TenantID: "t1", Email: "s3@x", Role: auth.RoleStudent, Status: auth.UserActive},
	} {
		if _, err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	clock := func() time.Time { return testNow }
	enrollments := enrollment.NewService(st, st, enrollment.WithClock(clock))
	svc := academics.NewService(st, st, st, st, enrollments, academics.WithClock(clock))
	if _, err := st.CreateClass(ctx, academics.Class{ID: "c1", TenantID: "t1", ProgramID: "p1", AcademicCycleID: "cy1", Name: "Algebra", Status: academics.ClassActive}); err != nil {
		t.Fatalf("create class: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := enrollments.Create(ctx, "t1", enrollment.CreateInput{UserID: id, ClassID: "c1"}); err != nil {
			t.Fatalf("enroll: %v", err)
		}
	}
	return svc, enrollments
}

func TestCreateClassValidatesProgramAndCycle(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	c, err := svc.CreateClass(ctx, "t1", academics.ClassInput{ProgramID: "p1", AcademicCycleID: "cy1", Name: " Geometry ", Capacity: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Name != "Geometry" || c.Status != academics.ClassActive {
		t.Fatalf("unexpected class %+v", c)
	}

	_, err = svc.CreateClass(ctx, "t1", academics.ClassInput{ProgramID: "p2", AcademicCycleID: "cy1", Name: "Cells"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected VALIDATION_ERROR for mismatched cycle, got %v", err)
	}
	_, err = svc.CreateClass(ctx, "t2", academics.ClassInput{ProgramID: "p1", AcademicCycleID: "cy1", Name: "Leak"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected VALIDATION_ERROR for foreign program, got %v", err)
	}
}

func TestMarkAttendanceUpsertsPerDay(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()
	day := time.Date(2026, 9, 14, 15, 0, 0, 0, time.UTC)

	first, created, err := svc.MarkAttendance(ctx, "t1", "teacher", "c1", day, []academics.AttendanceRecord{
		{StudentID: "s1", Status: academics.Present},
		{StudentID: "s2", Status: academics.Absent},
	})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !created || !first.Date.Equal(time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sheet %+v created=%v", first, created)
	}

	second, created, err := svc.MarkAttendance(ctx, "t1", "teacher", "c1", day.Add(2*time.Hour), []academics.AttendanceRecord{
		{StudentID: "s1", Status: academics.Late},
	})
	if err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	if created || second.ID != first.ID || len(second.Records) != 1 {
		t.Fatalf("expected same sheet replaced, got %+v created=%v", second, created)
	}
}

func TestMarkAttendanceRejectsUnenrolledStudents(t *testing.T) {
	svc, _ := newServices(t)
	_, _, err := svc.MarkAttendance(context.Background(), "t1", "teacher", "c1", testNow, []academics.AttendanceRecord{
		{StudentID: "s1", Status: academics.Present},
		{StudentID: "s3", Status: academics.Present},
		{StudentID: "ghost", Status: academics.Present},
	})
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if got, want := appErr.Metadata["invalidStudents"], []string{"ghost", "s3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMarkAttendanceRejectsBadInput(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()
	cases := [][]academics.AttendanceRecord{
		nil,
		{{StudentID: "s1", Status: "sleeping"}},
		{{StudentID: "s1", Status: academics.Present}, {StudentID: "s1", Status: academics.Absent}},
	}
	for _, records := range cases {
		if _, _, err := svc.MarkAttendance(ctx, "t1", "teacher", "c1", testNow, records); apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("%v: expected VALIDATION_ERROR, got %v", records, err)
		}
	}
}

func TestListAttendanceNarrowsToStudent(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		day := testNow.AddDate(0, 0, -i)
		if _, _, err := svc.MarkAttendance(ctx, "t1", "teacher", "c1", day, []academics.AttendanceRecord{
			{StudentID: "s1", Status: academics.Present},
			{StudentID: "s2", Status: academics.Absent},
		}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	out, err := svc.ListAttendance(ctx, academics.AttendanceFilter{TenantID: "t1", ClassID: "c1", StudentID: "s2", From: testNow.AddDate(0, 0, -1)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 sheets, got %d", len(out))
	}
	for _, a := range out {
		if len(a.Records) != 1 || a.Records[0].StudentID != "s2" {
			t.Fatalf("expected only s2 records, got %+v", a.Records)
		}
	}
}

func TestOverrideAttendanceReturnsChange(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()
	sheet, _, err := svc.MarkAttendance(ctx, "t1", "teacher", "c1", testNow, []academics.AttendanceRecord{
		{StudentID: "s1", Status: academics.Absent},
	})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	updated, change, err := svc.OverrideAttendance(ctx, "t1", "admin", sheet.ID, "s1", academics.Excused, "medical note")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if rec, _ := updated.Record("s1"); rec.Status != academics.Excused {
		t.Fatalf("expected excused, got %s", rec.Status)
	}
	if change.Before["status"] != "absent" || change.After["status"] != "excused" || change.After["reason"] != "medical note" {
		t.Fatalf("unexpected change %+v", change)
	}

	if _, _, err := svc.OverrideAttendance(ctx, "t1", "admin", sheet.ID, "s2", academics.Present, ""); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NOT_FOUND for student missing from sheet, got %v", err)
	}
}

func TestRecordGradeAndOverride(t *testing.T) {
	svc, enrollments := newServices(t)
	ctx := context.Background()

	g, err := svc.RecordGrade(ctx, "t1", "teacher", academics.GradeInput{ClassID: "c1", StudentID: "s1", Value: 72})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if g.Component != "final" || g.MaxValue != 100 {
		t.Fatalf("expected defaults applied, got %+v", g)
	}
	again, err := svc.RecordGrade(ctx, "t1", "teacher", academics.GradeInput{ClassID: "c1", StudentID: "s1", Value: 75})
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if again.ID != g.ID || again.Value != 75 {
		t.Fatalf("expected upsert of same component, got %+v", again)
	}

	_, change, err := svc.OverrideGrade(ctx, "t1", "admin", g.ID, 80, "regrade")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if change.Before["value"] != 75.0 || change.After["value"] != 80.0 {
		t.Fatalf("unexpected change %+v", change)
	}
	if _, _, err := svc.OverrideGrade(ctx, "t1", "admin", g.ID, 101, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected VALIDATION_ERROR above maxValue, got %v", err)
	}

	e, _, _ := enrollments.FindActive(ctx, "t1", "s2", "c1")
	if _, _, err := enrollments.SetStatus(ctx, "t1", e.ID, enrollment.StatusDropped, "teacher"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := svc.RecordGrade(ctx, "t1", "teacher", academics.GradeInput{ClassID: "c1", StudentID: "s2", Value: 50}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected dropped student rejected, got %v", err)
	}
}

func TestClassLookupIsTenantScoped(t *testing.T) {
	svc, _ := newServices(t)
	if _, err := svc.Class(context.Background(), "t2", "c1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	ok, err := svc.ClassInTenant(context.Background(), "t1", "c1")
	if err != nil || !ok {
		t.Fatalf("expected class in tenant, ok=%v err=%v", ok, err)
	}
}

func TestRecordAndWaiveFee(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	if _, err := svc.RecordFee(ctx, "t1", "admin", academics.FeeInput{
		ClassID: "c1", StudentID: "s3", Type: academics.FeeTuition, Amount: 900, DueDate: testNow,
	}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected unenrolled student rejected, got %v", err)
	}
	if _, err := svc.RecordFee(ctx, "t1", "admin", academics.FeeInput{
		ClassID: "c1", StudentID: "s1", Type: academics.FeeTuition, Amount: -1, DueDate: testNow,
	}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected negative amount rejected, got %v", err)
	}

	fee, err := svc.RecordFee(ctx, "t1", "admin", academics.FeeInput{
		ClassID: "c1", StudentID: "s1", Type: academics.FeeLab, Amount: 150, DueDate: testNow,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if fee.Status != academics.FeePending || !fee.DueDate.Equal(academics.Day(testNow)) {
		t.Fatalf("unexpected fee %+v", fee)
	}

	waived, change, err := svc.WaiveFee(ctx, "t1", "admin", fee.ID, " scholarship ")
	if err != nil {
		t.Fatalf("waive: %v", err)
	}
	if waived.Status != academics.FeeWaived || waived.WaivedBy != "admin" || waived.WaivedAt == nil {
		t.Fatalf("unexpected waived fee %+v", waived)
	}
	if change.Before["status"] != "pending" || change.After["status"] != "waived" {
		t.Fatalf("unexpected change %+v", change)
	}
	if change.Before["amount"] != 150.0 || change.After["reason"] != "scholarship" {
		t.Fatalf("unexpected change %+v", change)
	}

	if _, _, err := svc.WaiveFee(ctx, "t1", "admin", fee.ID, "again"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected second waive rejected, got %v", err)
	}
	if _, _, err := svc.WaiveFee(ctx, "t2", "admin", fee.ID, "other tenant"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NOT_FOUND across tenants, got %v", err)
	}

	out, err := svc.ListFees(ctx, academics.FeeFilter{TenantID: "t1", ClassID: "c1", Status: academics.FeeWaived})
	if err != nil || len(out) != 1 || out[0].ID != fee.ID {
		t.Fatalf("expected the waived fee listed, got %v (%v)", out, err)
	}
}

func TestDayKeepsLocalCalendarDate(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 10, 1, 23, 30, 0, 0, time.FixedZone("", -5*3600)), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 2, 0, 30, 0, 0, time.FixedZone("", 9*3600)), time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := academics.Day(tc.in); !got.Equal(tc.want) {
			t.Fatalf("Day(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestMarkAttendanceUsesCallerCalendarDay(t *testing.T) {
	svc, _ := newServices(t)
	evening := time.Date(2026, 10, 1, 23, 30, 0, 0, time.FixedZone("", -5*3600))
	sheet, _, err := svc.MarkAttendance(context.Background(), "t1", "teacher", "c1", evening, []academics.AttendanceRecord{
		{StudentID: "s1", Status: academics.Present},
	})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC); !sheet.Date.Equal(want) {
		t.Fatalf("expected %s, got %s", want, sheet.Date)
	}
}
