package testpg

// SourceSchema is a small multi-tenant HR and events schema. Rows carry a
// city_id tenant column except events, which is shared by every city.
var SourceSchema = []string{
	`CREATE TYPE employee_status AS ENUM ('active', 'on_leave', 'terminated')`,
	`CREATE TABLE departments (
		id      serial PRIMARY KEY,
		name    text NOT NULL,
		city_id text,
		CONSTRAINT departments_name_city_key UNIQUE (name, city_id)
	)`,
	`CREATE TABLE badges (
		id     serial PRIMARY KEY,
		serial varchar(32) NOT NULL UNIQUE
	)`,
	`CREATE TABLE employees (
		id            serial PRIMARY KEY,
		name          text NOT NULL,
		status        employee_status NOT NULL DEFAULT 'active',
		salary        numeric(10,2) CHECK (salary >= 0),
		department_id integer REFERENCES departments (id) ON DELETE SET NULL,
		badge_id      integer CONSTRAINT employees_badge_fk REFERENCES badges (id),
		city_id       text
	)`,
	`CREATE INDEX employees_city_idx ON employees (city_id) WHERE city_id IS NOT NULL`,
	`CREATE INDEX employees_lower_name_idx ON employees (lower(name))`,
	`CREATE TABLE events (
		id          bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		title       text NOT NULL,
		happened_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// SourceRows seeds SourceSchema. Employee 1 predates multi-tenancy and has
// no city; employees 2 and 3 belong to c1 and employee 4 to c2.
var SourceRows = []string{
	`INSERT INTO departments (id, name, city_id) VALUES
		(1, 'Engineering', 'c1'), (2, 'Operations', 'c2'), (3, 'Archive', NULL)`,
	`INSERT INTO badges (id, serial) VALUES (1, 'B-001')`,
	`INSERT INTO employees (id, name, status, salary, department_id, badge_id, city_id) VALUES
		(1, 'Ada',   'terminated', 100.00, 3, NULL, NULL),
		(2, 'Grace', 'active',     250.50, 1, 1,    'c1'),
		(3, 'Linus', 'on_leave',   180.00, 1, NULL, 'c1'),
		(4, 'Ken',   'active',     300.00, 2, NULL, 'c2')`,
	`INSERT INTO events (title) VALUES ('launch'), ('outage'), ('retro')`,
	`SELECT setval('departments_id_seq', 3)`,
	`SELECT setval('employees_id_seq', 4)`,
}
